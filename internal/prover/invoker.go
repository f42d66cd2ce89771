// Package prover invokes the zero-knowledge proof unit as an opaque
// subprocess and enforces a strict machine-readable result contract.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nonce-ns/connectsphere-soundness-poc/pkg/pipeapi"
)

const DefaultTimeout = time.Hour

type GenerateRequest struct {
	Token          string
	PublicKeyPEM   string
	ExpectedDomain string
	WalletAddress  string
}

// GenerateResponse is the prover's single well-formed result object. A
// response with Success=false or without both artifact paths is a hard
// failure of the job, never a partial success.
type GenerateResponse struct {
	Success             bool                         `json:"success"`
	ProofFilePath       string                       `json:"proof_file_path,omitempty"`
	ElfFilePath         string                       `json:"elf_file_path,omitempty"`
	VerificationResults *pipeapi.VerificationResults `json:"verification_results,omitempty"`
	Error               string                       `json:"error,omitempty"`
}

type Invoker interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

type SubprocessConfig struct {
	Bin       string
	OutputDir string
	Timeout   time.Duration
}

// SubprocessInvoker shells out to the proof binary. It owns the stdout
// parsing: the binary must print exactly one JSON object and nothing else
// besides whitespace, and any deviation fails the invocation loudly.
type SubprocessInvoker struct {
	cfg SubprocessConfig
}

func NewSubprocessInvoker(cfg SubprocessConfig) *SubprocessInvoker {
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "connectsphere-proofs")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &SubprocessInvoker{cfg: cfg}
}

func (s *SubprocessInvoker) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if s.cfg.Bin == "" {
		return GenerateResponse{}, fmt.Errorf("prover binary not configured")
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return GenerateResponse{}, fmt.Errorf("create output dir: %w", err)
	}

	keyFile, err := os.CreateTemp("", "public-key-*.pem")
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("create key file: %w", err)
	}
	defer os.Remove(keyFile.Name())
	if _, err := keyFile.WriteString(req.PublicKeyPEM); err != nil {
		keyFile.Close()
		return GenerateResponse{}, fmt.Errorf("write key file: %w", err)
	}
	if err := keyFile.Close(); err != nil {
		return GenerateResponse{}, fmt.Errorf("close key file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Bin,
		"generate", req.Token, keyFile.Name(), req.ExpectedDomain, req.WalletAddress, s.cfg.OutputDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if stderr.Len() > 0 {
		log.Printf("prover: stderr: %s", strings.TrimSpace(stderr.String()))
	}
	if ctx.Err() == context.DeadlineExceeded {
		return GenerateResponse{}, fmt.Errorf("prover timed out after %s", s.cfg.Timeout)
	}
	if runErr != nil && stdout.Len() == 0 {
		return GenerateResponse{}, fmt.Errorf("prover execution failed: %w", runErr)
	}

	resp, err := ParseResponse(stdout.String())
	if err != nil {
		if runErr != nil {
			return GenerateResponse{}, fmt.Errorf("prover execution failed: %v (%w)", runErr, err)
		}
		return GenerateResponse{}, err
	}
	log.Printf("prover: finished in %s success=%t", time.Since(start).Round(time.Millisecond), resp.Success)
	return resp, nil
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// ParseResponse enforces the stdout contract: after stripping ANSI color
// escapes, the output must be exactly one JSON object carrying the success
// field. Candidate scanning over free-form output is deliberately not done.
func ParseResponse(stdout string) (GenerateResponse, error) {
	cleaned := strings.TrimSpace(ansiRe.ReplaceAllString(stdout, ""))
	if cleaned == "" {
		return GenerateResponse{}, fmt.Errorf("prover produced no output")
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	var resp GenerateResponse
	if err := dec.Decode(&resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("prover output is not a JSON result object: %w", err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != io.EOF {
		return GenerateResponse{}, fmt.Errorf("prover printed output beyond the result object")
	}
	return resp, nil
}

// ReadArtifact loads a produced artifact file into memory.
func ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", filepath.Base(path), err)
	}
	return data, nil
}
