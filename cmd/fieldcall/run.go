package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/config"
	"github.com/mikeyg42/fieldcall/internal/logging"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

var (
	roleFlag      string
	signalingFlag string
	apiAddrFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run CALL_ID[:CLAIM_ID]...",
	Short: "Join one or more calls and serve the status API",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalls(cmd.Context(), args)
	},
}

func init() {
	runCmd.Flags().StringVar(&roleFlag, "role", string(signaling.RoleInvestigator), "participant role: investigator or supervisor")
	runCmd.Flags().StringVar(&signalingFlag, "signaling", "", "signaling relay URL (overrides config)")
	runCmd.Flags().StringVar(&apiAddrFlag, "api-addr", "", "status API listen address (overrides config)")
}

type callArg struct {
	callID  string
	claimID string
}

func parseCallArgs(args []string) ([]callArg, error) {
	out := make([]callArg, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, a := range args {
		callID, claimID, _ := strings.Cut(a, ":")
		if callID == "" {
			return nil, fmt.Errorf("empty call id in %q", a)
		}
		if seen[callID] {
			return nil, fmt.Errorf("call %s given twice", callID)
		}
		seen[callID] = true
		out = append(out, callArg{callID: callID, claimID: claimID})
	}
	return out, nil
}

func runCalls(ctx context.Context, args []string) error {
	role := signaling.Role(roleFlag)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", roleFlag)
	}
	calls, err := parseCallArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if signalingFlag != "" {
		cfg.Signaling.URL = signalingFlag
	}
	if apiAddrFlag != "" {
		cfg.API.Addr = apiAddrFlag
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting fieldcall",
		zap.String("version", version),
		zap.String("role", string(role)),
		zap.String("signaling", cfg.Signaling.URL),
		zap.Int("calls", len(calls)))

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Cleanup()

	for _, c := range calls {
		if err := app.StartCall(ctx, role, c.callID, c.claimID); err != nil {
			logger.Error("Failed to start call", zap.String("callId", c.callID), zap.Error(err))
		}
	}

	err = app.Run(ctx)
	logger.Info("Shutting down")
	return err
}
