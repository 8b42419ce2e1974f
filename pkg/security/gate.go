// Package security screens text flowing into and out of the research pipeline.
package security

import (
	"context"
	"errors"
	"fmt"

	"ai-research-be/internal/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const moduleSecurity = "SECURITY"

// ErrScannerFailed marks a scanner that could not produce a result (network, timeout, bad reply).
var ErrScannerFailed = errors.New("scanner failed")

// Direction tells the gate which failure policy applies.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// ScanResult is the answer of a single scanner
type ScanResult struct {
	Flagged  bool
	Category string
	Score    float64
	Message  string // user-facing explanation, never echoes the scanned text
}

// Scanner inspects text for one class of risk.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, text string) (ScanResult, error)
}

// Verdict is the combined decision of every scanner.
type Verdict struct {
	Allowed bool
	// Flagged is set when at least one scanner positively flagged the text.
	Flagged bool
	Reason  string
	// RiskScore is the highest score reported by any scanner.
	RiskScore *float64
	// Scores keeps each scanner's own score for diagnostics.
	Scores map[string]float64
	// Unavailable is set when at least one scanner failed to answer.
	Unavailable bool
	// Unverified is set when an output check was let through despite a scanner failure.
	Unverified bool
}

const (
	reasonUnavailable = "Unable to verify the safety of this request. Please try again later."
	reasonFlagged     = "This content was flagged by our safety checks."
)

// Gate fans text out to the injection and moderation scanners and ORs their flags.
type Gate struct {
	scanners       []Scanner
	outputFailOpen bool
	logger         logger.ILogger
}

func NewGate(log logger.ILogger, outputFailOpen bool, scanners ...Scanner) *Gate {
	return &Gate{
		scanners:       scanners,
		outputFailOpen: outputFailOpen,
		logger:         log,
	}
}

type scanOutcome struct {
	result ScanResult
	err    error
}

// Check runs every scanner concurrently and waits for all of them: both pieces of
// evidence are needed, so no scanner is cancelled when another one flags.
// A scanner failure denies input checks and, unless configured otherwise, lets
// output checks through marked as unverified.
func (g *Gate) Check(ctx context.Context, text string, dir Direction) Verdict {
	outcomes := make([]scanOutcome, len(g.scanners))

	var eg errgroup.Group
	for i, s := range g.scanners {
		eg.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					outcomes[i] = scanOutcome{err: fmt.Errorf("%s: %w: panic: %v", s.Name(), ErrScannerFailed, rec)}
				}
			}()
			res, err := s.Scan(ctx, text)
			if err != nil {
				err = fmt.Errorf("%s: %w: %v", s.Name(), ErrScannerFailed, err)
			}
			outcomes[i] = scanOutcome{result: res, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	verdict := Verdict{Allowed: true, Scores: make(map[string]float64, len(g.scanners))}
	var worst *ScanResult

	for i, o := range outcomes {
		name := g.scanners[i].Name()
		if o.err != nil {
			verdict.Unavailable = true
			g.logger.Warn(moduleSecurity, "Scanner call failed", map[string]interface{}{
				"scanner":   name,
				"direction": string(dir),
				"error":     o.err.Error(),
			})
			continue
		}
		verdict.Scores[name] = o.result.Score
		if verdict.RiskScore == nil || o.result.Score > *verdict.RiskScore {
			score := o.result.Score
			verdict.RiskScore = &score
		}
		if o.result.Flagged && (worst == nil || o.result.Score > worst.Score) {
			r := o.result
			worst = &r
		}
	}

	if worst != nil {
		verdict.Allowed = false
		verdict.Flagged = true
		verdict.Reason = worst.Message
		if verdict.Reason == "" {
			verdict.Reason = reasonFlagged
		}
		g.logger.Info(moduleSecurity, "Content denied by safety checks", map[string]interface{}{
			"direction": string(dir),
			"category":  worst.Category,
			"scores":    verdict.Scores,
			"length":    len(text),
		})
		return verdict
	}

	if verdict.Unavailable {
		if dir == DirectionOutput && g.outputFailOpen {
			verdict.Unverified = true
			return verdict
		}
		verdict.Allowed = false
		verdict.Reason = reasonUnavailable
	}
	return verdict
}
