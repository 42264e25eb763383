// Package sink provides destinations for canonical mutations. The
// HTTP sink speaks the Kafka REST proxy record format to the
// ingestion endpoint.
package sink

import (
	"bytes"
	"encoding/base64"
	"errors"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/walship/walship/telemetry"
)

// Sink represents a destination for canonical mutations.
type Sink interface {
	// Publish sends an event to the sink. It returns only after the
	// event was accepted or the retry budget is exhausted.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

const contentType = "application/vnd.kafka.json.v2+json"

// Default retry policy for failed publish operations
const (
	DefaultMaxRetries      = 5
	DefaultRetryInitial    = 1 * time.Second
	DefaultRetryMax        = 60 * time.Second
	DefaultRetryMultiplier = 2.0
)

// HTTPConfig holds configuration for HTTPSink
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// MaxRetries is the total number of attempts per event; once used
	// up the event is dropped by the caller.
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
}

// HTTPSink delivers mutations to the ingestion endpoint with bounded
// retry. Connection failures, timeouts and 5xx responses are retried
// with exponential backoff; 4xx responses fail immediately. The sink
// never panics past its boundary: an error return means the caller
// should log and drop.
type HTTPSink struct {
	conf   HTTPConfig
	client *http.Client
}

// NewHTTPSink creates an HTTPSink with the given configuration.
func NewHTTPSink(conf HTTPConfig) (*HTTPSink, error) {
	if conf.BaseURL == "" {
		return nil, fmt.Errorf("http sink requires a base URL")
	}
	if conf.APIKey == "" {
		return nil, fmt.Errorf("http sink requires an API key")
	}

	if conf.ConnectTimeout <= 0 {
		conf.ConnectTimeout = 5 * time.Second
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = 30 * time.Second
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = DefaultMaxRetries
	}
	if conf.RetryInitial <= 0 {
		conf.RetryInitial = DefaultRetryInitial
	}
	if conf.RetryMax <= 0 {
		conf.RetryMax = DefaultRetryMax
	}
	if conf.RetryMultiplier <= 0 {
		conf.RetryMultiplier = DefaultRetryMultiplier
	}

	client := &http.Client{
		Timeout: conf.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: conf.ConnectTimeout}).DialContext,
		},
	}

	return &HTTPSink{conf: conf, client: client}, nil
}

// wire format: {"records":[{"key":..,"value":..,"headers":[..]}]}
type wireHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireRecord struct {
	Key     string       `json:"key"`
	Value   any          `json:"value"`
	Headers []wireHeader `json:"headers"`
}

type wireEnvelope struct {
	Records []wireRecord `json:"records"`
}

// Publish posts one mutation to /topics/{topic}, retrying per the
// configured policy. The returned error is terminal: the caller logs
// it and drops the event.
func (s *HTTPSink) Publish(topic, key string, value []byte) error {
	body, err := buildBody(key, value)
	if err != nil {
		return fmt.Errorf("build request body: %w", err)
	}

	delay := s.conf.RetryInitial
	var lastErr error

	for attempt := 1; attempt <= s.conf.MaxRetries; attempt++ {
		err := s.post(topic, body)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("permanent failure publishing to topic %s: %w", topic, err)
		}

		lastErr = err
		if attempt == s.conf.MaxRetries {
			break
		}

		telemetry.DeliveryRetries.Inc()
		log.Warn().
			Err(err).
			Str("topic", topic).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * s.conf.RetryMultiplier)
		if delay > s.conf.RetryMax {
			delay = s.conf.RetryMax
		}
	}

	return fmt.Errorf("exhausted %d attempts for topic %s: %w", s.conf.MaxRetries, topic, lastErr)
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// buildBody wraps the mutation in a single-record envelope. The value
// is embedded as parsed JSON; if it does not re-parse, the raw string
// is sent instead of failing the event.
func buildBody(key string, value []byte) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(value, &parsed); err != nil {
		log.Warn().Err(err).Msg("Event payload is not valid JSON, sending as raw string")
		parsed = string(value)
	}

	envelope := wireEnvelope{
		Records: []wireRecord{{
			Key:   key,
			Value: parsed,
			Headers: []wireHeader{{
				Key:   "channel",
				Value: base64.StdEncoding.EncodeToString([]byte(key)),
			}},
		}},
	}

	return json.Marshal(envelope)
}

func (s *HTTPSink) post(topic string, body []byte) error {
	url := strings.TrimRight(s.conf.BaseURL, "/") + "/topics/" + topic

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-api-key", s.conf.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sink returned status %d", e.code)
}

// retryable classifies failures: server errors and transport failures
// are worth retrying, client errors are not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	// Connection and timeout failures from the transport.
	return true
}
