package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mind-engage/lti13-tool/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ltitool",
	Short: "LTI 1.3 tool: OIDC login, launch validation and sessions",
	// Errors are reported by main; usage is only useful for flag mistakes.
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newKeygenCmd())
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(env config.Env) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == config.EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}
