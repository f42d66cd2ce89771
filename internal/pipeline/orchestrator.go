package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/artifact"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/keyset"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/prover"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/recorder"
	"github.com/nonce-ns/connectsphere-soundness-poc/pkg/pipeapi"
)

// runPipeline drives one job through the stage machine under the
// single-flight lock. Lock release and snapshot clearing are unconditional
// on every exit path, including recorder failures and panics unwinding
// through the deferred cleanup.
func (e *Engine) runPipeline(ctx context.Context, job *pipeapi.Job) error {
	lockValue := fmt.Sprintf("%s:%d", e.owner, time.Now().UnixMilli())
	acquired, err := e.store.SetIfAbsent(ctx, lockKey, lockValue, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire processing lock: %w", err)
	}
	if !acquired {
		return ErrBusy
	}

	cleanup := context.WithoutCancel(ctx)
	if err := e.store.SetWithTTL(cleanup, activeJobKey, job.ID, lockTTL); err != nil {
		log.Printf("pipeline: write active-job marker for %s: %v", job.ID, err)
	}
	defer func() {
		if err := e.store.Delete(cleanup, lockKey); err != nil {
			log.Printf("pipeline: release lock: %v", err)
		}
		if err := e.store.Delete(cleanup, activeJobKey); err != nil {
			log.Printf("pipeline: clear active-job marker: %v", err)
		}
		e.setActive(nil)
	}()

	started := time.Now().UTC()
	e.setActive(&pipeapi.ActiveJob{JobID: job.ID, RequesterID: job.RequesterID, StartedAt: started})
	log.Printf("pipeline: starting proof generation for %s job=%s", job.RequesterID, job.ID)
	e.metrics.IncCounter("proof_generation_started_total", nil, 1)

	expectedDomain := e.emailDomain(job.UserEmail)

	e.checkpoint(ctx, job, 10)
	e.rec.UpdateSession(ctx, job.SessionID, map[string]any{
		"status": pipeapi.StatusProcessing,
		"job_id": job.ID,
	})
	e.rec.RecordEvent(ctx, job.SessionID, "processing_started", map[string]any{
		"job_id":     job.ID,
		"started_at": started.Format(time.RFC3339),
	})

	tokenForProof, publicKeyPEM, err := e.prepareToken(ctx, job, expectedDomain)
	if err != nil {
		return err
	}

	e.checkpoint(ctx, job, 20)
	e.rec.UpdateSession(ctx, job.SessionID, map[string]any{"status": "proof_generating", "progress": 20})

	resp, err := e.invoker.Generate(ctx, prover.GenerateRequest{
		Token:          tokenForProof,
		PublicKeyPEM:   publicKeyPEM,
		ExpectedDomain: expectedDomain,
		WalletAddress:  job.WalletAddress,
	})
	if err != nil {
		return fmt.Errorf("proof generation failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("proof generation failed: %s", resp.Error)
	}
	if resp.ProofFilePath == "" || resp.ElfFilePath == "" {
		return fmt.Errorf("proof generation succeeded but no files returned")
	}
	if resp.VerificationResults == nil || !resp.VerificationResults.VerificationSuccess {
		return fmt.Errorf("proof verification reported failure for generated proof")
	}

	proofData, err := prover.ReadArtifact(resp.ProofFilePath)
	if err != nil {
		return err
	}
	elfData, err := prover.ReadArtifact(resp.ElfFilePath)
	if err != nil {
		return err
	}
	e.checkpoint(ctx, job, 60)

	e.checkpoint(ctx, job, 80)
	e.rec.UpdateSession(ctx, job.SessionID, map[string]any{"status": "uploading", "progress": 80})

	proofBlobID, err := e.artifacts.Upload(ctx, proofData, artifact.KindProof)
	if err != nil {
		return fmt.Errorf("upload proof artifact: %w", err)
	}
	elfBlobID, err := e.artifacts.Upload(ctx, elfData, artifact.KindElf)
	if err != nil {
		return fmt.Errorf("upload elf artifact: %w", err)
	}

	verification := *resp.VerificationResults
	domain := verification.Domain
	if domain == "" {
		domain = expectedDomain
	}
	now := time.Now().UTC()
	result := pipeapi.ProofResult{
		BlobID:           proofBlobID,
		ElfBlobID:        elfBlobID,
		CLICommand:       cliCommand(proofBlobID, elfBlobID),
		VerificationLink: e.verificationLink(job.SessionID),
		SessionID:        job.SessionID,
		Metadata: pipeapi.ResultMetadata{
			Domain:             domain,
			RequesterID:        job.RequesterID,
			UploadedAt:         now,
			VerificationStatus: "uploaded",
			SP1Results:         verification,
		},
		SP1Verification: verification,
	}
	if err := e.saveResult(ctx, job.ID, result); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}

	job.Status = pipeapi.StatusCompleted
	job.Result = &result
	job.Error = ""
	job.CompletedAt = &now
	e.checkpoint(ctx, job, 100)
	if err := e.saveJob(ctx, *job); err != nil {
		return fmt.Errorf("persist completed job: %w", err)
	}

	e.rec.UpdateSession(ctx, job.SessionID, map[string]any{
		"status":   pipeapi.StatusCompleted,
		"progress": 100,
	})
	e.rec.UpsertArtifacts(ctx, job.SessionID, recorder.Artifacts{
		ProofBlobID: proofBlobID,
		ElfBlobID:   elfBlobID,
		CLICommand:  result.CLICommand,
		ProofSize:   len(proofData),
		ElfSize:     len(elfData),
	})
	e.rec.RecordEvent(ctx, job.SessionID, "proof_ready", map[string]any{
		"proof_blob_id": proofBlobID,
		"elf_blob_id":   elfBlobID,
		"cli_command":   result.CLICommand,
	})

	log.Printf("pipeline: proof pipeline completed job=%s proof=%s elf=%s", job.ID, proofBlobID, elfBlobID)
	return nil
}

// prepareToken decides what token/key pair the prover receives. A token that
// already carries a usable email claim is verified against its issuer's
// published key; otherwise a hinted email lets us synthesize a self-signed
// replacement with a one-time keypair.
func (e *Engine) prepareToken(ctx context.Context, job *pipeapi.Job, expectedDomain string) (string, string, error) {
	if _, ok := keyset.TokenEmail(job.CredentialToken); ok {
		kid, err := keyset.KidFromToken(job.CredentialToken)
		if err != nil {
			return "", "", fmt.Errorf("invalid credential token: %w", err)
		}
		pub, err := e.keys.Resolve(ctx, kid)
		if err != nil {
			return "", "", fmt.Errorf("resolve signing key: %w", err)
		}
		pem, err := keyset.EncodePublicKeyPEM(pub)
		if err != nil {
			return "", "", err
		}
		return job.CredentialToken, pem, nil
	}
	if job.UserEmail == "" {
		return "", "", fmt.Errorf("could not extract email from credential token and no email hint provided")
	}
	synth, err := keyset.Synthesize(job.UserEmail, job.RequesterID, expectedDomain)
	if err != nil {
		return "", "", fmt.Errorf("synthesize verification token: %w", err)
	}
	log.Printf("pipeline: synthesized verification token for job %s", job.ID)
	return synth.Token, synth.PublicKeyPEM, nil
}

// checkpoint advances the advisory progress value. Persist failures are
// swallowed: telemetry must never abort the pipeline.
func (e *Engine) checkpoint(ctx context.Context, job *pipeapi.Job, progress int) {
	if progress > job.Progress {
		job.Progress = progress
	}
	if err := e.saveJob(ctx, *job); err != nil {
		log.Printf("pipeline: persist progress %d for %s: %v", progress, job.ID, err)
	}
	e.mu.Lock()
	if e.active != nil && e.active.JobID == job.ID {
		e.active.Progress = job.Progress
	}
	e.mu.Unlock()
}

func (e *Engine) saveResult(ctx context.Context, jobID string, result pipeapi.ProofResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return e.store.SetWithTTL(ctx, resultKey(jobID), string(data), resultTTL)
}

func cliCommand(proofBlobID, elfBlobID string) string {
	return fmt.Sprintf("soundness-cli send --proof-file %s --elf-file %s --key-name YourKeyName --proving-system sp1",
		proofBlobID, elfBlobID)
}
