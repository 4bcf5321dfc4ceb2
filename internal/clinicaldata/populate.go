package clinicaldata

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// maxPopulateConcurrency caps the fan-out of one populate call.
const maxPopulateConcurrency = 8

// FieldWriter writes a resolved value into a bound calculator input.
type FieldWriter interface {
	WriteField(fieldID string, value float64, unit string) error
}

// FieldWriterFunc adapts a function to FieldWriter.
type FieldWriterFunc func(fieldID string, value float64, unit string) error

func (f FieldWriterFunc) WriteField(fieldID string, value float64, unit string) error {
	return f(fieldID, value, unit)
}

// Requirement declares one auto-populated calculator field.
type Requirement struct {
	FieldID       string `json:"fieldId"`
	Code          string `json:"code"`
	Label         string `json:"label,omitempty"`
	TargetUnit    string `json:"targetUnit,omitempty"`
	ComponentCode string `json:"componentCode,omitempty"`
	SkipStaleness bool   `json:"skipStaleness,omitempty"`
}

// FieldResult is the outcome for one Requirement.
type FieldResult struct {
	FieldID   string            `json:"fieldId"`
	Result    ObservationResult `json:"result"`
	Populated bool              `json:"populated"`
	Error     string            `json:"error,omitempty"`
}

// AutoPopulateFromRequirements resolves every requirement concurrently and
// writes each value found into the container's FieldWriter. Every field is
// attempted exactly once; a failing field never affects its siblings. The
// returned slice is in requirement order.
func (s *Service) AutoPopulateFromRequirements(ctx context.Context, reqs []Requirement) []FieldResult {
	s.mu.RLock()
	writer := s.container.Writer
	s.mu.RUnlock()

	results := make([]FieldResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(maxPopulateConcurrency)

	for i, req := range reqs {
		g.Go(func() error {
			results[i] = s.populateField(ctx, req, writer)
			return nil
		})
	}
	_ = g.Wait()

	populated := 0
	for _, r := range results {
		if r.Populated {
			populated++
		}
	}
	s.logger.Debug().Int("fields", len(reqs)).Int("populated", populated).Msg("auto-populate finished")
	return results
}

func (s *Service) populateField(ctx context.Context, req Requirement, writer FieldWriter) (out FieldResult) {
	out = FieldResult{FieldID: req.FieldID, Result: emptyResult(req.Code)}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("field", req.FieldID).Msg("populate field panicked")
			out.Populated = false
			out.Error = fmt.Sprint(r)
		}
	}()

	res := s.GetObservation(ctx, req.Code, Options{
		TargetUnit:     req.TargetUnit,
		TrackStaleness: !req.SkipStaleness,
		FieldID:        req.FieldID,
		Label:          req.Label,
		ComponentCode:  req.ComponentCode,
	})
	out.Result = res
	if !res.HasValue() {
		return out
	}
	if writer != nil {
		if err := writer.WriteField(req.FieldID, *res.Value, res.Unit); err != nil {
			s.logger.Warn().Err(err).Str("field", req.FieldID).Msg("failed to write populated value")
			out.Error = err.Error()
			return out
		}
	}
	out.Populated = true
	return out
}
