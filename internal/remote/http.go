package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pmeredith/dosetrack/internal/record"
)

// HTTPClient is the REST implementation of Client.
//
// The remote service speaks snake_case JSON and addresses entities under
// /api/v1/{doses,vials,weights}; translation between that wire shape and
// record.Record happens here and nowhere else.
type HTTPClient struct {
	baseURL string
	session Session
	http    *http.Client
	logger  *log.Logger
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	// BaseURL is the remote service root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each individual call (default: 15s).
	Timeout time.Duration

	// Logger for request failures (default: stderr logger).
	Logger *log.Logger
}

// NewHTTPClient creates a REST client. The session supplies the bearer
// token per call so a token refresh needs no client rebuild.
func NewHTTPClient(cfg HTTPConfig, session Session) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		session: session,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// wireRecord is the remote service's record shape.
type wireRecord struct {
	ID         string  `json:"id,omitempty"`
	RecordedAt string  `json:"recorded_at"`
	Quantity   float64 `json:"quantity"`
	Site       string  `json:"injection_site,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	LotNumber  string  `json:"lot_number,omitempty"`
	RefID      string  `json:"ref_id,omitempty"`
	BodyFatPct float64 `json:"body_fat_pct,omitempty"`
}

func toWire(rec record.Record) wireRecord {
	return wireRecord{
		ID:         rec.RemoteID,
		RecordedAt: rec.Timestamp.UTC().Format(time.RFC3339),
		Quantity:   rec.Quantity,
		Site:       rec.Site,
		Notes:      rec.Notes,
		LotNumber:  rec.LotNumber,
		RefID:      rec.RefID,
		BodyFatPct: rec.BodyFatPct,
	}
}

func fromWire(entity record.EntityType, w wireRecord) (record.Record, error) {
	ts, err := time.Parse(time.RFC3339, w.RecordedAt)
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to parse recorded_at %q: %w", w.RecordedAt, err)
	}
	return record.Record{
		RemoteID:   w.ID,
		Entity:     entity,
		Timestamp:  ts,
		Quantity:   w.Quantity,
		Site:       w.Site,
		Notes:      w.Notes,
		LotNumber:  w.LotNumber,
		RefID:      w.RefID,
		BodyFatPct: w.BodyFatPct,
		SyncState:  record.StateSynced,
	}, nil
}

func (c *HTTPClient) entityURL(entity record.EntityType) (string, error) {
	h, ok := record.HandlerFor(entity)
	if !ok {
		return "", Semantic(fmt.Sprintf("unknown entity type %q", entity))
	}
	return fmt.Sprintf("%s/api/v1/%s", c.baseURL, h.RemotePath), nil
}

// List implements Client.List.
func (c *HTTPClient) List(ctx context.Context, entity record.EntityType) ([]record.Record, error) {
	url, err := c.entityURL(entity)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var wires []wireRecord
	if err := json.Unmarshal(body, &wires); err != nil {
		return nil, Semantic(fmt.Sprintf("malformed list response: %v", err))
	}

	recs := make([]record.Record, 0, len(wires))
	for _, w := range wires {
		rec, err := fromWire(entity, w)
		if err != nil {
			c.logger.Printf("Warning: skipping malformed remote %s record %s: %v", entity, w.ID, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, entity record.EntityType, rec record.Record) (record.Record, error) {
	url, err := c.entityURL(entity)
	if err != nil {
		return record.Record{}, err
	}

	payload, err := json.Marshal(toWire(rec))
	if err != nil {
		return record.Record{}, Semantic(fmt.Sprintf("failed to marshal record: %v", err))
	}

	body, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return record.Record{}, err
	}

	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return record.Record{}, Semantic(fmt.Sprintf("malformed create response: %v", err))
	}
	created, err := fromWire(entity, w)
	if err != nil {
		return record.Record{}, Semantic(err.Error())
	}
	created.LocalID = rec.LocalID
	return created, nil
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, entity record.EntityType, remoteID string, rec record.Record) (record.Record, error) {
	url, err := c.entityURL(entity)
	if err != nil {
		return record.Record{}, err
	}

	payload, err := json.Marshal(toWire(rec))
	if err != nil {
		return record.Record{}, Semantic(fmt.Sprintf("failed to marshal record: %v", err))
	}

	body, err := c.do(ctx, http.MethodPut, url+"/"+remoteID, payload)
	if err != nil {
		return record.Record{}, err
	}

	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return record.Record{}, Semantic(fmt.Sprintf("malformed update response: %v", err))
	}
	updated, err := fromWire(entity, w)
	if err != nil {
		return record.Record{}, Semantic(err.Error())
	}
	updated.LocalID = rec.LocalID
	return updated, nil
}

// Delete implements Client.Delete. A 404 counts as success: the record is
// already gone, which is the state we wanted.
func (c *HTTPClient) Delete(ctx context.Context, entity record.EntityType, remoteID string) error {
	url, err := c.entityURL(entity)
	if err != nil {
		return err
	}

	_, err = c.do(ctx, http.MethodDelete, url+"/"+remoteID, nil)
	var re *Error
	if err != nil && errors.As(err, &re) && re.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// do performs one request and classifies the outcome. Transport errors and
// 5xx/429 responses are transient; other non-2xx responses are semantic.
func (c *HTTPClient) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, Semantic(fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Transient(fmt.Sprintf("%s %s: %v", method, url, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Sprintf("failed to read response: %v", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, Msg: truncate(body)}
	default:
		return nil, &Error{Kind: KindSemantic, Status: resp.StatusCode, Msg: truncate(body)}
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
