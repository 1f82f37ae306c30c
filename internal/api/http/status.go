// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/protocol/consts"

	kerrors "agent-kernel/pkg/errors"
)

// StatusFor 将内核错误映射为 HTTP 状态码；模型错误先于校验错误判断
func StatusFor(err error) int {
	switch {
	case err == nil:
		return consts.StatusOK
	case errors.Is(err, kerrors.ErrLockTimeout):
		return consts.StatusConflict
	case errors.Is(err, kerrors.ErrLockBackendUnavailable),
		errors.Is(err, kerrors.ErrCircuitOpen):
		return consts.StatusServiceUnavailable
	case errors.Is(err, kerrors.ErrModelProvider):
		return consts.StatusBadGateway
	case errors.Is(err, kerrors.ErrPersistence),
		errors.Is(err, kerrors.ErrSchemaVersionMismatch):
		return consts.StatusInternalServerError
	case errors.Is(err, kerrors.ErrMaxIterations):
		return consts.StatusUnprocessableEntity
	case errors.Is(err, kerrors.ErrRateLimited):
		return consts.StatusTooManyRequests
	case errors.Is(err, kerrors.ErrPermissionDenied):
		return consts.StatusForbidden
	case errors.Is(err, kerrors.ErrValidation),
		errors.Is(err, kerrors.ErrInvalidArg):
		return consts.StatusBadRequest
	case errors.Is(err, kerrors.ErrNotFound):
		return consts.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return consts.StatusServiceUnavailable
	}
	return consts.StatusInternalServerError
}

// errorBody 错误响应体
func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if kind := kerrors.Kind(err); kind != "" {
		body["kind"] = kind
	}
	return body
}
