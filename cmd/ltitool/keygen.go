package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mind-engage/lti13-tool/internal/config"
	"github.com/mind-engage/lti13-tool/internal/lti"
)

func newKeygenCmd() *cobra.Command {
	cfg := config.FromEnv()
	var (
		bits      int
		privPath  string
		pubPath   string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the tool RSA key pair (PKCS#8 private, PKIX public)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !overwrite {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s exists (use --force to overwrite)", p)
					} else if !errors.Is(err, os.ErrNotExist) {
						return err
					}
				}
			}
			priv, err := lti.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := lti.WriteKeyPair(priv, privPath, pubPath); err != nil {
				return err
			}
			ks, err := lti.NewKeyStore(priv, cfg.KeyID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private key: %s\n", privPath)
			fmt.Fprintf(out, "public key:  %s\n", pubPath)
			fmt.Fprintf(out, "key id:      %s\n", ks.KeyID())
			fmt.Fprintf(out, "publish the public key at %s\n", cfg.JWKSURL)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	cmd.Flags().StringVar(&privPath, "private", cfg.PrivateKeyPath, "private key output path")
	cmd.Flags().StringVar(&pubPath, "public", cfg.PublicKeyPath, "public key output path")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing key files")
	return cmd
}
