// Package ingest holds what the queue consumers share: the write envelope they carry and the
// retry classification of write failures.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"geoledger/internal/domain"
)

// Writer applies one decoded envelope.
type Writer interface {
	Write(context.Context, domain.WriteRequest) (domain.WriteResult, error)
}

// Envelope is the JSON message a producer publishes to write into a space. Features is a
// GeoJSON FeatureCollection or a single Feature; Delete lists ids deleted in the same version.
type Envelope struct {
	Space             string          `json:"space"`
	Branch            string          `json:"branch,omitempty"`
	Context           string          `json:"context,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	BaseRef           string          `json:"baseRef,omitempty"`
	Transactional     bool            `json:"transactional,omitempty"`
	ConflictDetection bool            `json:"conflictDetection,omitempty"`
	OnMergeConflict   string          `json:"onMergeConflict,omitempty"`
	Author            string          `json:"author,omitempty"`
	Features          json.RawMessage `json:"features,omitempty"`
	Delete            []string        `json:"delete,omitempty"`
}

// Decode parses payload into a write request. Every failure is InvalidRequest.
func Decode(payload []byte) (domain.WriteRequest, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.WriteRequest{}, domain.Invalidf("decode envelope", "%v", err)
	}
	return env.Request()
}

func (e Envelope) Request() (domain.WriteRequest, error) {
	const op = "decode envelope"
	if strings.TrimSpace(e.Space) == "" {
		return domain.WriteRequest{}, domain.Invalidf(op, "space is required")
	}
	req := domain.WriteRequest{
		Space:             e.Space,
		Branch:            e.Branch,
		BaseRef:           e.BaseRef,
		Transactional:     e.Transactional,
		ConflictDetection: e.ConflictDetection,
		Author:            e.Author,
	}
	var err error
	if req.Context, err = domain.ParseContext(e.Context); err != nil {
		return req, err
	}
	if req.Mode, err = domain.ParseWriteMode(e.Mode); err != nil {
		return req, err
	}
	if req.OnMergeConflict, err = domain.ParseOnMergeConflict(e.OnMergeConflict); err != nil {
		return req, err
	}
	if len(e.Features) > 0 && string(e.Features) != "null" {
		if req.Items, err = domain.DecodeWriteItems(e.Features); err != nil {
			return req, err
		}
	}
	for _, id := range e.Delete {
		req.Items = append(req.Items, domain.WriteItem{Feature: domain.Feature{ID: id}, Delete: true})
	}
	if len(req.Items) == 0 {
		return req, domain.Invalidf(op, "envelope for space %q carries no features", e.Space)
	}
	return req, nil
}

// Retryable reports whether delivering the same envelope again may succeed. Typed core
// failures describe the request and repeat on redelivery; anything else is infrastructure.
func Retryable(err error) bool {
	return err != nil && domain.KindOf(err) == domain.KindInternal
}

// Source formats the log field naming where an envelope came from.
func Source(transport string, parts ...any) string {
	if len(parts) == 0 {
		return transport
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, fmt.Sprint(p))
	}
	return transport + ":" + strings.Join(out, "/")
}
