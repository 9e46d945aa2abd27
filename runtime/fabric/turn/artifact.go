package turn

import (
	"encoding/json"
	"sort"
	"time"

	"goa.design/acf/runtime/fabric"
)

type (
	// PhaseArtifact is the cached output of one cognitive-engine phase. An
	// artifact is reusable on a successor turn iff both fingerprints still
	// match: the input fingerprint (hash of the phase's normalized inputs,
	// computed by the engine) and the dependency fingerprint (hash of the
	// config/ruleset/scenario/session versions the phase ran under).
	PhaseArtifact struct {
		// Phase is the pipeline phase number that produced the artifact.
		Phase int
		// Data is the opaque serialized artifact payload.
		Data json.RawMessage
		// InputFingerprint hashes the phase's normalized inputs.
		InputFingerprint string
		// DependencyFingerprint hashes the versions the phase depended on.
		DependencyFingerprint string
		// CreatedAt is when the phase completed.
		CreatedAt time.Time
	}

	// ArtifactSummary is the compact projection of an artifact recorded on
	// audit records.
	ArtifactSummary struct {
		Phase                 int
		InputFingerprint      string
		DependencyFingerprint string
		Bytes                 int
		Reused                bool
	}
)

// DependencyFingerprint hashes the four version coordinates an artifact
// depends on. Turn workflows compute it from session state before forwarding
// artifacts to a successor; the cognitive engine computes the same value when
// deciding whether to skip a phase.
func DependencyFingerprint(configVersion, rulesetVersion, scenarioVersion, sessionStateVersion string) string {
	return fabric.Fingerprint(configVersion, rulesetVersion, scenarioVersion, sessionStateVersion)
}

// ReusableArtifacts filters artifacts down to those whose dependency
// fingerprint matches depFP. Input fingerprints are the engine's to check;
// the fabric only knows dependencies.
func ReusableArtifacts(artifacts map[int]PhaseArtifact, depFP string) map[int]PhaseArtifact {
	if len(artifacts) == 0 {
		return nil
	}
	out := make(map[int]PhaseArtifact)
	for phase, a := range artifacts {
		if a.DependencyFingerprint == depFP {
			out[phase] = a
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SummarizeArtifacts projects artifacts for the audit record. The reused set
// marks phases that were skipped because a forwarded artifact held.
func SummarizeArtifacts(artifacts map[int]PhaseArtifact, reused map[int]bool) []ArtifactSummary {
	if len(artifacts) == 0 {
		return nil
	}
	out := make([]ArtifactSummary, 0, len(artifacts))
	for phase, a := range artifacts {
		out = append(out, ArtifactSummary{
			Phase:                 phase,
			InputFingerprint:      a.InputFingerprint,
			DependencyFingerprint: a.DependencyFingerprint,
			Bytes:                 len(a.Data),
			Reused:                reused[phase],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}
