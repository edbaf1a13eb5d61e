// Package cmd wires the policy server's cobra entrypoint: flag parsing,
// config loading, the sandbox engine, evaluation environment, inventory
// cache, host-capabilities callback bus, worker router, and telemetry,
// following audit-scanner/internal/audit-scanner/cmd/root.go's
// flags-then-RunE shape.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/spf13/cobra"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/evalenv"
	"github.com/kubewarden/policy-server/internal/fetcher"
	"github.com/kubewarden/policy-server/internal/inventory"
	"github.com/kubewarden/policy-server/internal/obslog"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/reflector"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/telemetry"
	"github.com/kubewarden/policy-server/internal/verifier"
	"github.com/kubewarden/policy-server/internal/worker"
)

const defaultEngineVersion = "1"

//nolint:gocognit,funlen // This function is the CLI entrypoint and it's expected to be long.
func NewRootCommand() *cobra.Command {
	var (
		level                 string
		address               string
		certFile              string
		keyFile               string
		policiesFile          string
		sourcesFile           string
		verificationFile      string
		downloadDir           string
		workers               int64
		alwaysAcceptNamespace string
		otelEndpoint          string
		continueOnErrors      bool
	)

	rootCmd := &cobra.Command{
		Use:   "policy-server",
		Short: "Evaluates Kubernetes admission requests against Wasm policies",
		Long: `Hosts a set of Wasm policies compiled against the wapc, OPA, OPA
Gatekeeper or WASI CLI ABI, precompiling each once at boot and evaluating
admission requests against them over HTTPS, or plain HTTP when no
certificate is given.`,

		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := obslog.New(os.Stderr, level, "policy-server")

			shutdownTelemetry, err := telemetry.New(ctx, otelEndpoint)
			if err != nil {
				return fmt.Errorf("starting telemetry: %w", err)
			}
			defer shutdownTelemetry(context.Background())

			recorder, err := telemetry.NewRecorder()
			if err != nil {
				return fmt.Errorf("registering telemetry recorder: %w", err)
			}

			descriptors, err := config.LoadDescriptors(policiesFile)
			if err != nil {
				return fmt.Errorf("loading policy descriptors: %w", err)
			}
			sources, err := config.LoadSourcesConfig(sourcesFile)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("loading sources config: %w", err)
			}
			var verification config.VerificationConfig
			if verificationFile != "" {
				verification, err = config.LoadVerificationConfig(verificationFile)
				if err != nil {
					return fmt.Errorf("loading verification config: %w", err)
				}
			}

			restConfig, err := reflector.BuildConfig()
			if err != nil {
				return fmt.Errorf("building kubernetes client config: %w", err)
			}
			clients, err := reflector.NewClients(restConfig)
			if err != nil {
				return fmt.Errorf("building kubernetes clients: %w", err)
			}
			manager := reflector.NewManager(clients)
			defer manager.StopAll()
			store := reflector.NewStore(manager, clients)

			bus := callback.NewBus()
			callback.RegisterKubernetesHandlers(bus, store)
			ociClient := callback.NewOciClient(authn.DefaultKeychain)
			defer ociClient.Close()
			callback.RegisterOciHandlers(bus, ociClient)
			go bus.Run(ctx)
			defer bus.Shutdown()

			engineVersion, err := policy.ParseEngineVersion(defaultEngineVersion)
			if err != nil {
				return fmt.Errorf("parsing engine version: %w", err)
			}
			engine := sandbox.NewEngine(ctx, engineVersion)
			defer engine.Close(context.Background())

			var envOpts []evalenv.Option
			if continueOnErrors {
				envOpts = append(envOpts, evalenv.WithContinueOnErrors())
			}
			env := evalenv.New(engine, bus.Sender(), envOpts...)

			artifactFetcher, err := fetcher.New(downloadDir, sources, fetcher.WithRecorder(recorder))
			if err != nil {
				return fmt.Errorf("building policy fetcher: %w", err)
			}
			var sigVerifier *verifier.Verifier
			if verificationFile != "" {
				trustedRoot, err := verifier.LoadTrustedRoot("", "", downloadDir)
				if err != nil {
					return fmt.Errorf("loading sigstore trust root: %w", err)
				}
				sigVerifier, err = verifier.New(trustedRoot, verifier.WithRecorder(recorder))
				if err != nil {
					return fmt.Errorf("building signature verifier: %w", err)
				}
			}

			if err := loadPolicies(ctx, env, descriptors, artifactFetcher, sigVerifier, verification, logger); err != nil {
				return err
			}
			if err := env.Boot(ctx); err != nil {
				return fmt.Errorf("booting evaluation environment: %w", err)
			}

			srv := worker.New(env, inventory.NewCache(), bus.Sender(), worker.Config{
				PoolSize:              workers,
				AlwaysAcceptNamespace: alwaysAcceptNamespace,
			}, logger).WithRecorder(recorder)

			httpServer := &http.Server{
				Addr:              address,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "address", address, "tls", certFile != "")
				if certFile != "" && keyFile != "" {
					errCh <- httpServer.ListenAndServeTLS(certFile, keyFile)
				} else {
					errCh <- httpServer.ListenAndServe()
				}
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("serving http: %w", err)
			}
		},
	}

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVarP(&level, "loglevel", "l", "info", fmt.Sprintf("level of the logs. Supported values are: %v", obslog.SupportedLevels()))
	rootCmd.Flags().StringVarP(&address, "address", "a", ":3000", "address to listen on")
	rootCmd.Flags().StringVar(&certFile, "cert-file", "", "path to the TLS certificate; serves plain HTTP when unset")
	rootCmd.Flags().StringVar(&keyFile, "key-file", "", "path to the TLS private key")
	rootCmd.Flags().StringVarP(&policiesFile, "policies", "p", "policies.yml", "path to the policy descriptor file")
	rootCmd.Flags().StringVar(&sourcesFile, "sources-path", "sources.yml", "path to the insecure/trusted-sources config file")
	rootCmd.Flags().StringVar(&verificationFile, "verification-path", "", "path to the signature verification config file; signature verification is skipped when unset")
	rootCmd.Flags().StringVar(&downloadDir, "download-dir", "/tmp/kubewarden-policies", "directory policy artifacts are fetched into")
	rootCmd.Flags().Int64Var(&workers, "workers", 1, "number of concurrent policy evaluations")
	rootCmd.Flags().StringVar(&alwaysAcceptNamespace, "always-accept-admission-reviews-on-namespace", "", "namespace whose admission reviews always evaluate to allowed, without ever touching the sandbox")
	rootCmd.Flags().StringVar(&otelEndpoint, "otel-collector-endpoint", "", "OpenTelemetry collector gRPC endpoint; metrics are disabled when unset")
	rootCmd.Flags().BoolVar(&continueOnErrors, "continue-on-errors", false, "keep a policy that fails to boot as always-rejecting instead of aborting the process")

	return rootCmd
}

// Execute runs rootCmd, printing any error to stderr and exiting non-zero.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error on cmd.Execute(): %s\n", err.Error())
		os.Exit(1)
	}
}

// loadPolicies fetches, optionally verifies, and registers every policy and
// group from descriptors against env, ahead of Boot.
func loadPolicies(ctx context.Context, env *evalenv.Env, descriptors config.Descriptors, artifactFetcher *fetcher.Fetcher, sigVerifier *verifier.Verifier, verification config.VerificationConfig, logger *slog.Logger) error {
	for id, descriptor := range descriptors.Policies {
		ref, err := policy.ParseReference(descriptor.Module)
		if err != nil {
			return fmt.Errorf("policy %q: %w", id, err)
		}

		if sigVerifier != nil && ref.Scheme == policy.SchemeRegistry {
			digest, err := sigVerifier.Verify(ctx, descriptor.Module, verification)
			if err != nil {
				return fmt.Errorf("policy %q: verifying signature: %w", id, err)
			}
			logger.Info("verified policy signature", "policy_id", id, "digest", digest)
		}

		path, err := artifactFetcher.Fetch(ctx, ref)
		if err != nil {
			return fmt.Errorf("policy %q: %w", id, err)
		}
		wasmBytes, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("policy %q: reading fetched module %q: %w", id, path, err)
		}

		if err := env.AddPolicy(ctx, id, descriptor, wasmBytes); err != nil {
			return fmt.Errorf("policy %q: %w", id, err)
		}
		logger.Info("registered policy", "policy_id", id, "module", descriptor.Module)
	}

	for id, group := range descriptors.Groups {
		env.AddGroup(id, group)
		logger.Info("registered policy group", "policy_id", id)
	}
	return nil
}
