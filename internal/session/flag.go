package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ShayCichocki/stopgate/internal/fsutil"
	"github.com/ShayCichocki/stopgate/internal/schema"
	"github.com/ShayCichocki/stopgate/internal/sign"
)

// FlagSchemaVersion is the on-disk termination flag version.
const FlagSchemaVersion = 1

// Termination flag sources.
const (
	ViaPipeline = "pipeline"
	ViaOverride = "override"
)

// Flag is the signed record whose presence permits the agent to stop.
type Flag struct {
	SchemaVersion  int             `json:"schema_version"`
	AgentID        string          `json:"agent_id"`
	AuthorizedBy   string          `json:"authorized_by"`
	Via            string          `json:"via"`
	Reasons        []string        `json:"reasons"`
	CompletedSteps []string        `json:"completed_steps"`
	ElapsedMs      int64           `json:"elapsed_ms,omitempty"`
	IssuedAt       time.Time       `json:"issued_at"`
	OverrideKey    string          `json:"override_key,omitempty"`
	Signature      *sign.Signature `json:"signature,omitempty"`
}

// NewPipelineFlag builds the flag for a session that passed every step.
func NewPipelineFlag(s *Session, now time.Time) Flag {
	return Flag{
		SchemaVersion:  FlagSchemaVersion,
		AgentID:        s.AgentID,
		AuthorizedBy:   "validation-pipeline",
		Via:            ViaPipeline,
		Reasons:        []string{fmt.Sprintf("all %d required criteria passed", len(s.RequiredSteps))},
		CompletedSteps: append([]string(nil), s.CompletedSteps...),
		ElapsedMs:      s.Elapsed(now).Milliseconds(),
		IssuedAt:       now,
	}
}

// unsignedBytes is the JSON the signature covers.
func (f Flag) unsignedBytes() ([]byte, error) {
	f.Signature = nil
	if f.Reasons == nil {
		f.Reasons = []string{}
	}
	if f.CompletedSteps == nil {
		f.CompletedSteps = []string{}
	}
	return json.Marshal(f)
}

// WriteFlag signs f with kp and writes it atomically to path.
func WriteFlag(path string, f Flag, kp sign.KeyPair) (*Flag, error) {
	if f.SchemaVersion == 0 {
		f.SchemaVersion = FlagSchemaVersion
	}
	if f.Reasons == nil {
		f.Reasons = []string{}
	}
	if f.CompletedSteps == nil {
		f.CompletedSteps = []string{}
	}
	payload, err := f.unsignedBytes()
	if err != nil {
		return nil, fmt.Errorf("encode termination flag: %w", err)
	}
	sig, err := sign.SignJSON(kp.Private, payload)
	if err != nil {
		return nil, fmt.Errorf("sign termination flag: %w", err)
	}
	f.Signature = &sig

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode termination flag: %w", err)
	}
	if err := schema.Validate(schema.Termination, data); err != nil {
		return nil, fmt.Errorf("termination flag: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFlag loads and schema-checks the flag at path.
func ReadFlag(path string) (*Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.Termination, data); err != nil {
		return nil, fmt.Errorf("termination flag: %w", err)
	}
	var f Flag
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode termination flag: %w", err)
	}
	return &f, nil
}

// VerifyFlag checks the flag signature against the project key directory.
func VerifyFlag(f *Flag, keysDir string) error {
	if f.Signature == nil {
		return fmt.Errorf("%w: termination flag is unsigned", sign.ErrInvalidSignature)
	}
	pub, err := sign.LoadPublic(keysDir)
	if err != nil {
		return fmt.Errorf("load verification key: %w", err)
	}
	payload, err := f.unsignedBytes()
	if err != nil {
		return err
	}
	return sign.VerifyJSON(pub, *f.Signature, payload)
}
