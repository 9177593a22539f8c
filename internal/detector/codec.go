package detector

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Snapshot kinds.
const (
	kindZScore          = "zscore"
	kindIsolationForest = "isolation_forest"
	kindVelocity        = "velocity"
	kindGeo             = "geo"
)

// ErrUnsupportedDetector is returned when a member cannot be serialized.
var ErrUnsupportedDetector = errors.New("detector kind not serializable")

type envelope struct {
	Metadata domain.ModelMetadata `json:"metadata"`
	Members  []memberRecord       `json:"members"`
}

type memberRecord struct {
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Weight float64         `json:"weight"`
	Role   Role            `json:"role"`
	Params json.RawMessage `json:"params"`
}

// Export serializes the live snapshot: metadata plus every member's
// trained parameters.
func (e *Ensemble) Export() ([]byte, error) {
	s, err := e.load()
	if err != nil {
		return nil, err
	}

	env := envelope{Metadata: s.meta, Members: make([]memberRecord, 0, len(s.members))}
	for _, m := range s.members {
		kind, params, err := encodeParams(m.detector)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", m.name, err)
		}
		env.Members = append(env.Members, memberRecord{
			Name:   m.name,
			Kind:   kind,
			Weight: m.weight,
			Role:   m.role,
			Params: params,
		})
	}
	return json.Marshal(env)
}

func encodeParams(d Detector) (string, []byte, error) {
	var (
		kind string
		v    any
		ok   bool
	)
	switch det := d.(type) {
	case *ZScoreDetector:
		kind = kindZScore
		v, ok = det.Params()
	case *IsolationForestDetector:
		kind = kindIsolationForest
		v, ok = det.Params()
	case *velocity.Tracker:
		kind = kindVelocity
		v, ok = det.Params()
	case *GeoRiskScorer:
		kind = kindGeo
		v, ok = det.Params()
	default:
		return "", nil, fmt.Errorf("%T: %w", d, ErrUnsupportedDetector)
	}
	if !ok {
		return "", nil, domain.ErrNotTrained
	}
	data, err := json.Marshal(v)
	return kind, data, err
}

// Import replaces the live snapshot with one decoded from data. The
// ensemble's member factories are kept for later retrains.
func (e *Ensemble) Import(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if len(env.Members) == 0 {
		return fmt.Errorf("decode snapshot: no members")
	}

	members := make([]trainedMember, 0, len(env.Members))
	for _, rec := range env.Members {
		det, err := decodeParams(rec.Kind, rec.Params)
		if err != nil {
			return fmt.Errorf("decode %s: %w", rec.Name, err)
		}
		members = append(members, trainedMember{
			name:     rec.Name,
			weight:   rec.Weight,
			role:     rec.Role,
			detector: det,
		})
	}

	e.current.Store(&snapshot{meta: env.Metadata, members: members})
	return nil
}

func decodeParams(kind string, raw []byte) (Detector, error) {
	switch kind {
	case kindZScore:
		var p domain.ZScoreModelParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return NewZScoreDetectorFromParams(p), nil
	case kindIsolationForest:
		var p domain.IsolationForestParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		d, err := NewIsolationForestDetectorFromParams(p)
		if err != nil {
			return nil, err
		}
		return d, nil
	case kindVelocity:
		var p domain.VelocityParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return velocity.NewTrackerFromParams(p), nil
	case kindGeo:
		var p domain.GeoParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return NewGeoRiskScorerFromParams(p), nil
	default:
		return nil, fmt.Errorf("%q: %w", kind, ErrUnsupportedDetector)
	}
}
