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

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiClient 远程 API 客户端
type apiClient struct {
	rc *resty.Client
}

func apiBaseURL() string {
	if u := os.Getenv("KERNEL_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient(baseURL, token string) *apiClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Minute).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &apiClient{rc: rc}
}

// apiError 非 2xx 响应
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (c *apiClient) do(method, path string, body interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := c.rc.R().SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return out, &apiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return out, nil
}

func (c *apiClient) health() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/health", nil)
}

func (c *apiClient) sendTurn(agentID, userID, message string) (map[string]interface{}, error) {
	path := "/api/agents/" + url.PathEscape(agentID) + "/users/" + url.PathEscape(userID) + "/turns"
	return c.do(http.MethodPost, path, map[string]string{"message": message})
}

func (c *apiClient) listApprovals() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/approvals", nil)
}

func (c *apiClient) resolveApproval(id string, approved bool) (map[string]interface{}, error) {
	return c.do(http.MethodPost, "/api/approvals/"+url.PathEscape(id), map[string]bool{"approved": approved})
}

func (c *apiClient) listSessions() (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/sessions", nil)
}

func (c *apiClient) sessionMessages(key string) (map[string]interface{}, error) {
	return c.do(http.MethodGet, "/api/sessions/"+url.PathEscape(key)+"/messages", nil)
}

func (c *apiClient) login(username, password string) (string, error) {
	out, err := c.do(http.MethodPost, "/api/auth/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	token, _ := out["token"].(string)
	if token == "" {
		return "", fmt.Errorf("login response has no token")
	}
	return token, nil
}
