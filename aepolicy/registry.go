// Package aepolicy is the Source & AE Registry of spec §4.B: a pure,
// thread-safe lookup from AE title to source/called-AE configuration,
// reloaded as a whole (copy-on-write) whenever configuration changes.
package aepolicy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/model"
)

// SourceID identifies an allow-listed remote AE's logical source.
type SourceID string

// CalledAEConfig is the per-local-AE policy loaded from config (spec §3's
// "called-AE configuration"): how to group stored instances, how long to
// wait before closing a bucket, which SOP classes and sources are allowed.
type CalledAEConfig struct {
	AETitle    string
	Grouping   model.GroupingKind
	Timeout    time.Duration // quiet-period, default 5s
	MaxAge     time.Duration // bucket max-age guard, default 60s
	Priority   byte

	// AllowedSOPClasses restricts presentation-context negotiation (spec
	// §4.C step 3). Empty means "no restriction beyond the layer's
	// built-in supported list."
	AllowedSOPClasses map[string]bool
	// AllowedSources restricts which calling-AE sources this called AE
	// accepts associations from. Empty means "any configured source."
	AllowedSources map[SourceID]bool

	// PipelineIDs are the inference pipelines a closed bucket for this
	// called AE submits one Job Submission to, per spec §4.E step 2.
	PipelineIDs []string
}

// AllowsSource reports whether src may open an association against this
// called AE.
func (c CalledAEConfig) AllowsSource(src SourceID) bool {
	if len(c.AllowedSources) == 0 {
		return true
	}
	return c.AllowedSources[src]
}

type snapshot struct {
	calling map[string]SourceID
	called  map[string]CalledAEConfig
}

// Registry resolves calling and called AE titles against the most recently
// loaded snapshot. Reload swaps the snapshot atomically: readers never block
// on a writer, matching spec §9's "Global mutable state ... readers never
// block writers."
type Registry struct {
	current atomic.Pointer[snapshot]
}

// New creates an empty Registry. Call Reload before serving traffic.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{calling: map[string]SourceID{}, called: map[string]CalledAEConfig{}})
	return r
}

// Reload atomically replaces the registry's contents. callingTable maps
// calling AE title to source id (spec §3's "calling-AE allow-list");
// calledTable maps local AE title to its CalledAEConfig.
func (r *Registry) Reload(callingTable map[string]SourceID, calledTable map[string]CalledAEConfig) {
	next := &snapshot{
		calling: make(map[string]SourceID, len(callingTable)),
		called:  make(map[string]CalledAEConfig, len(calledTable)),
	}
	for k, v := range callingTable {
		next.calling[k] = v
	}
	for k, v := range calledTable {
		next.called[k] = v
	}
	r.current.Store(next)
}

// ResolveCalling returns the source id allow-listed for ae, and ok=false if
// ae is unknown.
func (r *Registry) ResolveCalling(ae string) (SourceID, bool) {
	snap := r.current.Load()
	src, ok := snap.calling[ae]
	return src, ok
}

// ResolveCalled returns the configuration for local AE title ae, and
// ok=false if ae is unknown.
func (r *Registry) ResolveCalled(ae string) (CalledAEConfig, bool) {
	snap := r.current.Load()
	cfg, ok := snap.called[ae]
	return cfg, ok
}

// CheckAssociation implements pdu.AssociationPolicy. It rejects unknown
// calling AEs, unknown called AEs, and calling sources not permitted for the
// called AE, per spec §4.C step 2.
func (r *Registry) CheckAssociation(callingAE, calledAE string) error {
	src, ok := r.ResolveCalling(callingAE)
	if !ok {
		return errors.NewAssociationError(
			errors.RejectSourceServiceUser,
			errors.RejectReasonCallingAETitleNotRecognized,
			fmt.Sprintf("calling AE %q not recognized", callingAE))
	}

	cfg, ok := r.ResolveCalled(calledAE)
	if !ok {
		return errors.NewAssociationError(
			errors.RejectSourceServiceUser,
			errors.RejectReasonCalledAETitleNotRecognized,
			fmt.Sprintf("called AE %q not recognized", calledAE))
	}

	if !cfg.AllowsSource(src) {
		return errors.NewAssociationError(
			errors.RejectSourceServiceUser,
			errors.RejectReasonCallingAETitleNotRecognized,
			fmt.Sprintf("source %q not permitted for called AE %q", src, calledAE))
	}

	return nil
}

// AllowedSOPClasses implements pdu.AssociationPolicy.
func (r *Registry) AllowedSOPClasses(calledAE string) (map[string]bool, bool) {
	cfg, ok := r.ResolveCalled(calledAE)
	if !ok || len(cfg.AllowedSOPClasses) == 0 {
		return nil, false
	}
	return cfg.AllowedSOPClasses, true
}
