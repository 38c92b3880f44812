package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
}

// turnResponse mirrors the server's reply to a turn.
type turnResponse struct {
	Reply       string `json:"reply"`
	State       string `json:"state"`
	Status      string `json:"status"`
	ArtifactURL string `json:"artifact_url"`
	GistURL     string `json:"gist_url"`
}

// call sends a JSON request to the server and decodes the JSON response
// into out when out is non-nil.
func call(method, path string, in, out any) error {
	resp, err := send(method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func send(method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, resolve(path), body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sharedSecret != "" {
		req.Header.Set("Ailex-Shared-Secret", sharedSecret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: ailex serve", err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var e apiError
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// resolve turns a server path, or an absolute URL returned by the server,
// into a request URL.
func resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(serverURL, "/") + path
}

func userPath(prefix string) string {
	return prefix + url.PathEscape(userID)
}
