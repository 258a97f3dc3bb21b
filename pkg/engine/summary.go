package engine

import (
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
)

// PlanSummary is the serializable preview of an UpgradePlan.
type PlanSummary struct {
	// ID is the plan ID.
	ID string `json:"id" yaml:"id"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`

	// State is the plan state at summary time.
	State PlanState `json:"state" yaml:"state"`

	// Modifications lists the modifications in application order.
	Modifications []ModificationSummary `json:"modifications" yaml:"modifications"`

	// Errors lists the problems that block the plan.
	Errors []ErrorSummary `json:"errors" yaml:"errors"`

	// NoOps lists things that were deliberately not acted on.
	NoOps []string `json:"noOps" yaml:"noOps"`

	// Fingerprint identifies the plan content, independent of ID and time.
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
}

// ModificationSummary describes one modification.
type ModificationSummary struct {
	Kind        ModificationKind `json:"kind" yaml:"kind"`
	Target      string           `json:"target" yaml:"target"`
	Description string           `json:"description" yaml:"description"`
	Applied     bool             `json:"applied" yaml:"applied"`

	// Key is set for SetConfig.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// DroppedKeys lists local keys a ResetConfig removes without replacing.
	DroppedKeys []string `json:"droppedKeys,omitempty" yaml:"droppedKeys,omitempty"`

	// CatalogChange and Direction are set for ChangeCatalogReference.
	CatalogChange *CatalogChange   `json:"catalogChange,omitempty" yaml:"catalogChange,omitempty"`
	Direction     VersionDirection `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// ErrorSummary describes one plan error.
type ErrorSummary struct {
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Node    string `json:"node,omitempty" yaml:"node,omitempty"`
	Message string `json:"message" yaml:"message"`
}

// Summarize builds the preview of a plan.
func Summarize(p *UpgradePlan) PlanSummary {
	s := PlanSummary{
		ID:            p.ID,
		CreatedAt:     p.CreatedAt,
		State:         p.State(),
		Modifications: []ModificationSummary{},
		Errors:        []ErrorSummary{},
		NoOps:         p.NoOps(),
	}
	if s.NoOps == nil {
		s.NoOps = []string{}
	}

	for _, m := range p.Modifications() {
		s.Modifications = append(s.Modifications, summarizeModification(m))
	}
	for _, err := range p.Errors() {
		es := ErrorSummary{Code: ErrorCode(err), Message: err.Error()}
		var e *EngineError
		if errors.As(err, &e) {
			es.Node = e.Node
		}
		s.Errors = append(s.Errors, es)
	}
	s.Fingerprint = s.computeFingerprint()
	return s
}

func summarizeModification(m Modification) ModificationSummary {
	ms := ModificationSummary{
		Kind:        m.Kind(),
		Target:      m.Target(),
		Description: m.Description(),
		Applied:     m.IsApplied(),
	}
	switch v := m.(type) {
	case *SetConfig:
		ms.Key = v.Key()
	case *ResetConfig:
		config := v.Config()
		for _, k := range SortedKeys(v.target.LocalConfig()) {
			if _, kept := config[k]; !kept {
				ms.DroppedKeys = append(ms.DroppedKeys, k)
			}
		}
	case *ChangeCatalogReference:
		change := v.Change()
		ms.CatalogChange = &change
		ms.Direction = change.Direction()
	}
	return ms
}

// computeFingerprint digests the kinds, targets and descriptions of the
// modifications and the error messages with BLAKE2b-256.
func (s PlanSummary) computeFingerprint() string {
	h, _ := blake2b.New256(nil)
	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}
	for _, m := range s.Modifications {
		write("modification", string(m.Kind), m.Target, m.Description)
	}
	for _, e := range s.Errors {
		write("error", e.Message)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the content fingerprint of a plan.
func Fingerprint(p *UpgradePlan) string {
	return Summarize(p).Fingerprint
}
