package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Thin HTTP client side of the CLI: trigger and wipe talk to a running
// controller instead of touching its state directory.

const clientTimeout = 30 * time.Second

func runTrigger(base, subject, job, cause string) error {
	endpoint := base + "/api/jobs/" + job + "/build"
	if cause != "" {
		endpoint += "?cause=" + url.QueryEscape(cause)
	}
	body, err := post(endpoint, subject)
	if err != nil {
		return err
	}
	var resp struct {
		QueueItem string `json:"queueItem"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.QueueItem != "" {
		fmt.Printf("queued %s (item %s)\n", job, resp.QueueItem)
	} else {
		fmt.Printf("queued %s\n", job)
	}
	return nil
}

func runWipe(base, subject, job string) error {
	if _, err := post(base+"/api/jobs/"+job+"/wipe", subject); err != nil {
		return err
	}
	fmt.Printf("wiped workspace of %s\n", job)
	return nil
}

func post(endpoint, subject string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Subject", subject)

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
