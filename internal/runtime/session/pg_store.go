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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	kerrors "agent-kernel/pkg/errors"
)

// appendRetries 并发追加冲突（唯一键冲突）时的重试次数
const appendRetries = 3

// schemaSQL 会话表结构；EnsureSchema 启动时幂等执行
const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
	session_key TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_key, seq)
);
CREATE TABLE IF NOT EXISTS session_summaries (
	session_key TEXT PRIMARY KEY,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore PostgreSQL 实现：每条消息一行，按 seq 排序
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的会话存储
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema 建表（幂等）
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return kerrors.Mark(fmt.Errorf("ensure session schema: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// Close 关闭连接池（可选，用于优雅退出）
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func decodeMessage(key string, seq int64, payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, kerrors.Mark(fmt.Errorf("decode message %s/%d: %w", key, seq, err), kerrors.ErrPersistence)
	}
	if err := m.Validate(); err != nil {
		return Message{}, kerrors.Wrapf(err, "session %s seq %d", key, seq)
	}
	return m, nil
}

// Load 实现 Store
func (s *PostgresStore) Load(ctx context.Context, key string) ([]Message, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, payload FROM session_messages WHERE session_key = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, kerrors.Mark(err, kerrors.ErrPersistence)
		}
		m, err := decodeMessage(key, seq, payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	return msgs, nil
}

// Append 以 max(seq)+1 插入；并发冲突时重试
func (s *PostgresStore) Append(ctx context.Context, key string, msg Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrValidation, "encode message: "+err.Error())
	}
	for attempt := 0; ; attempt++ {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO session_messages (session_key, seq, payload, created_at)
			 SELECT $1::text, COALESCE(MAX(seq), 0) + 1, $2::jsonb, $3::timestamptz FROM session_messages WHERE session_key = $1::text`,
			key, payload, msg.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || attempt >= appendRetries {
			return kerrors.Mark(fmt.Errorf("append message: %w", err), kerrors.ErrPersistence)
		}
	}
}

// Save 在事务中删除并重写全部消息
func (s *PostgresStore) Save(ctx context.Context, key string, msgs []Message) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateMessages(msgs); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM session_messages WHERE session_key = $1`, key); err != nil {
			return err
		}
		rows := make([][]any, 0, len(msgs))
		for i := range msgs {
			payload, err := json.Marshal(msgs[i])
			if err != nil {
				return err
			}
			rows = append(rows, []any{key, int64(i + 1), payload, msgs[i].CreatedAt})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"session_messages"},
			[]string{"session_key", "seq", "payload", "created_at"}, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return kerrors.Mark(fmt.Errorf("save session: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// LoadSummary 实现 Store
func (s *PostgresStore) LoadSummary(ctx context.Context, key string) (Summary, error) {
	if err := ValidateKey(key); err != nil {
		return Summary{}, err
	}
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM session_summaries WHERE session_key = $1`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewSummary("", nil), nil
	}
	if err != nil {
		return Summary{}, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	var sum Summary
	if err := json.Unmarshal(payload, &sum); err != nil {
		return Summary{}, kerrors.Mark(fmt.Errorf("decode summary: %w", err), kerrors.ErrPersistence)
	}
	if err := sum.Validate(); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// SaveSummary upsert 摘要
func (s *PostgresStore) SaveSummary(ctx context.Context, key string, sum Summary) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := sum.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrValidation, "encode summary: "+err.Error())
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_summaries (session_key, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (session_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		key, payload)
	if err != nil {
		return kerrors.Mark(fmt.Errorf("save summary: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// Delete 实现 Store
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM session_messages WHERE session_key = $1`, key); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM session_summaries WHERE session_key = $1`, key)
		return err
	})
	if err != nil {
		return kerrors.Mark(fmt.Errorf("delete session: %w", err), kerrors.ErrPersistence)
	}
	return nil
}

// List 实现 Store
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT session_key FROM session_messages ORDER BY session_key`)
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, kerrors.Mark(err, kerrors.ErrPersistence)
	}
	return keys, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
