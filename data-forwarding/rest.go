package dataforwarding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// restSink POSTs each sample as JSON to a configured endpoint.
type restSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func newRESTSink(cfg SinkConfig) (Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rest sink needs a url")
	}
	return &restSink{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *restSink) Name() string { return "rest" }

func (s *restSink) Forward(sample Sample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

func (s *restSink) Close() {}
