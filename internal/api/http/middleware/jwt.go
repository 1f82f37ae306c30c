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

package middleware

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"
)

// IdentityKey JWT claims 与 RequestContext 中保存操作员名的键
const IdentityKey = "operator"

// Credentials 登录请求体
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewJWTAuth 创建 JWT 中间件；仅 operator/secret 与配置一致的登录签发 token
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration, operator, secret string) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "agent-kernel",
		Key:           key,
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		IdentityKey:   IdentityKey,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if name, ok := data.(string); ok {
				return jwt.MapClaims{IdentityKey: name}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			return claims[IdentityKey]
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var cred Credentials
			if err := c.BindJSON(&cred); err != nil || cred.Username == "" || cred.Password == "" {
				return nil, jwt.ErrMissingLoginValues
			}
			if operator == "" || secret == "" {
				return nil, jwt.ErrFailedAuthentication
			}
			nameOK := subtle.ConstantTimeCompare([]byte(cred.Username), []byte(operator)) == 1
			secretOK := subtle.ConstantTimeCompare([]byte(cred.Password), []byte(secret)) == 1
			if !nameOK || !secretOK {
				return nil, jwt.ErrFailedAuthentication
			}
			return cred.Username, nil
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
}

// Operator 返回经 JWT 认证的操作员名；未启用认证时为空
func Operator(c *app.RequestContext) string {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return ""
	}
	name, _ := v.(string)
	return name
}
