// Package verify checks generated code against the user's request.
//
// The judgment itself belongs to an Analyzer; Verifier only applies policy:
// a result passes exactly when it has no issues, and an analyzer failure is
// reported as a failed result that needs improvement.
package verify

import (
	"context"
	"errors"
	"fmt"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// ErrNothingToVerify is reported when neither code nor a preview URL is given.
var ErrNothingToVerify = errors.New("no preview URL or code provided")

// Request is the input to a verification.
type Request struct {
	Code         proto.FileMap
	Requirement  string
	Requirements string
	Architecture string
	PreviewURL   string
}

// Result is a verification outcome.
type Result struct {
	Passed           bool     `json:"passed"`
	Issues           []string `json:"issues"`
	Suggestions      []string `json:"suggestions"`
	NeedsImprovement bool     `json:"needs_improvement"`
}

// NeedsRepair reports whether the loop should run a repair cycle.
func (r Result) NeedsRepair() bool {
	return !r.Passed && r.NeedsImprovement
}

// Analysis is what an Analyzer returns.
type Analysis struct {
	Issues           []string `json:"issues"`
	Suggestions      []string `json:"suggestions"`
	NeedsImprovement bool     `json:"needsImprovement"`
}

// Analyzer judges generated code.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Analysis, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req Request) (Analysis, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, req Request) (Analysis, error) {
	return f(ctx, req)
}

// Checker is the verification collaborator consumed by the loop.
type Checker interface {
	Verify(ctx context.Context, req Request) Result
}

// Verifier applies the pass/fail policy to an Analyzer.
type Verifier struct {
	analyzer Analyzer
	logger   *logx.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(analyzer Analyzer) *Verifier {
	return &Verifier{analyzer: analyzer, logger: logx.NewLogger("verify")}
}

// Verify never returns an error; failures become a failed Result.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	switch {
	case len(req.Code) > 0:
		analysis, err := v.analyzer.Analyze(ctx, req)
		if err != nil {
			return v.failed(err)
		}
		res := Result{
			Passed:           len(analysis.Issues) == 0,
			Issues:           analysis.Issues,
			Suggestions:      analysis.Suggestions,
			NeedsImprovement: analysis.NeedsImprovement,
		}
		v.logger.Info("verification passed=%t issues=%d needsImprovement=%t", res.Passed, len(res.Issues), res.NeedsImprovement)
		return res
	case req.PreviewURL != "":
		// No screenshot analyzer is wired; the preview must be checked by hand.
		return Result{
			Passed:      true,
			Suggestions: []string{"Could not capture a screenshot; open " + req.PreviewURL + " to check the preview manually"},
		}
	default:
		return v.failed(ErrNothingToVerify)
	}
}

func (v *Verifier) failed(err error) Result {
	v.logger.Warn("verification failed: %v", err)
	return Result{
		Passed:           false,
		Issues:           []string{fmt.Sprintf("verification failed: %v", err)},
		Suggestions:      []string{"Check the preview manually"},
		NeedsImprovement: true,
	}
}
