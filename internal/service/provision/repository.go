package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
	"github.com/oshokin/coral-setup/internal/system"
)

const (
	sourceListMode = 0o644
	// maxKeySize bounds the signing key download.
	maxKeySize = 1 << 20
)

var (
	errBadHTTPStatus = errors.New("unexpected http status")
	errEmptyKey      = errors.New("signing key is empty")
)

func (p *provisioner) registerRepositoryStep() step.Step {
	repo := p.cfg.Repository

	return step.Step{
		Name:        StepRegisterRepository,
		Description: "Register the Coral package repository",
		Policy:      step.PolicyFatal,
		Plan: []string{
			fmt.Sprintf("write %q to %s (overwrite)", repo.Entry, repo.ListFile),
			"fetch " + repo.KeyURL + " | " + privileged("apt-key", "add", "-").Display(),
			privileged("apt-get", "update", "--allow-releaseinfo-change").Display(),
		},
		Run: p.registerRepository,
	}
}

// registerRepository overwrites the source list with a single entry, trusts
// the signing key and refreshes the package index. Nothing is rolled back.
func (p *provisioner) registerRepository(ctx context.Context) error {
	repo := p.cfg.Repository

	if err := p.host.Files.WriteFile(ctx, repo.ListFile, []byte(repo.Entry+"\n"), sourceListMode); err != nil {
		return fmt.Errorf("write source list: %w", err)
	}

	logger.InfoKV(ctx, "Package source written", "path", repo.ListFile)

	key, err := p.fetchKey(ctx, repo.KeyURL)
	if err != nil {
		return fmt.Errorf("fetch signing key: %w", err)
	}

	importKey := privileged("apt-key", "add", "-")
	importKey.Stdin = bytes.NewReader(key)

	if err = p.host.Exec.Run(ctx, importKey); err != nil {
		return fmt.Errorf("import signing key: %w", err)
	}

	if err = p.host.Exec.Run(ctx, privileged("apt-get", "update", "--allow-releaseinfo-change")); err != nil {
		return fmt.Errorf("refresh package index: %w", err)
	}

	return nil
}

func (p *provisioner) fetchKey(ctx context.Context, keyURL string) ([]byte, error) {
	client := p.host.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	response, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s, %s: %w", keyURL, response.Status, errBadHTTPStatus)
	}

	key, err := io.ReadAll(io.LimitReader(response.Body, maxKeySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", keyURL, err)
	}

	if len(bytes.TrimSpace(key)) == 0 {
		return nil, fmt.Errorf("%s: %w", keyURL, errEmptyKey)
	}

	logger.DebugKV(ctx, "Signing key downloaded", "url", keyURL, "bytes", len(key))

	return key, nil
}

// aptCommand is shared by the package steps.
func aptCommand(args ...string) system.Command {
	return privileged("apt-get", args...)
}
