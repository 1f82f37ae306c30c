package sandbox

// Limits 子进程资源上限，0 表示不限制该项
type Limits struct {
	AddressSpace uint64 // 字节
	CPUSeconds   uint64
	FileSize     uint64 // 字节
	Processes    uint64
	OpenFiles    uint64
}

// DefaultLimits AS 512MB、CPU 60s、FSIZE 100MB、NPROC 10、NOFILE 100
func DefaultLimits() Limits {
	return Limits{
		AddressSpace: 512 << 20,
		CPUSeconds:   60,
		FileSize:     100 << 20,
		Processes:    10,
		OpenFiles:    100,
	}
}

// rlimit 单项限制
type rlimit struct {
	resource int
	value    uint64
}
