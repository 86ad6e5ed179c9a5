package main

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/ossbucket/ossbucket/internal/token"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newKeygenCmd() *cobra.Command {
	var alg string
	cmd := &cobra.Command{
		Use:   "keygen <private-key-path>",
		Short: "Generate a token issuer key pair",
		Long: `Generate a token issuer key pair in OpenSSH format.

The public key is written next to the private key with a .pub suffix,
as an authorized_keys line ready for trusted_key_files or weak_key_files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			key, err := token.GenerateKey(token.Algorithm(alg))
			if err != nil {
				return err
			}
			if err := token.WriteKeyPair(path, key); err != nil {
				return err
			}
			fp, err := token.Fingerprint(key.Public())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key:  %s.pub\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(token.EdDSA), "key algorithm (EdDSA or ES256)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect access tokens",
	}
	tokenCmd.AddCommand(newTokenSignCmd())
	tokenCmd.AddCommand(newTokenVerifyCmd())
	return tokenCmd
}

func newTokenSignCmd() *cobra.Command {
	var (
		keyPath  string
		subject  string
		audience string
		scope    string
		ttl      time.Duration
		weak     bool
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an access token",
		Long: `Sign an access token and print it in unpadded base64url.

Scope is a space separated list of Resource.Operation[.Constraint][:id]
grants, for example "Folder.Write:3 Bucket.Read.*".

Weak tokens are signed with an Ed25519 weak key and must not outlive the
bucket's max_weak_window.`,
		Example: `  ossbucket token sign --key issuer --subject alice --audience photos --scope "File.Read:12"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxWindow := token.DefaultMaxWeakWindow
			if cfgFile != "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if audience == "" {
					audience = cfg.Bucket.Name
				}
				maxWindow = cfg.Bucket.MaxWeakWindow
			}
			if audience == "" {
				return fmt.Errorf("--audience is required without --config")
			}

			key, err := token.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			t := token.New(subject, audience, scope, time.Now(), ttl)

			var data []byte
			if weak {
				edKey, ok := key.(ed25519.PrivateKey)
				if !ok {
					return fmt.Errorf("weak tokens need an Ed25519 key, got %T", key)
				}
				signer, err := token.NewWeakSigner(edKey)
				if err != nil {
					return err
				}
				data, err = token.SignWeak(signer, t, maxWindow)
				if err != nil {
					return err
				}
			} else {
				signer, err := token.NewSigner(key)
				if err != nil {
					return err
				}
				data, err = token.Sign(signer, t)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "issuer private key file")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "principal the token is issued to")
	cmd.Flags().StringVarP(&audience, "audience", "a", "", "bucket name (default: bucket in --config)")
	cmd.Flags().StringVar(&scope, "scope", "", "granted policies")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&weak, "weak", false, "sign a short-lived weak token")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTokenVerifyCmd() *cobra.Command {
	var (
		keyFiles     []string
		weakKeyFiles []string
		audience     string
		window       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "verify <token|@file>",
		Short: "Verify an access token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := decodeToken(args[0])
			if err != nil {
				return err
			}

			keys := &token.Keys{MaxWeakWindow: window}
			if cfgFile != "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				st, err := cfg.SeedState()
				if err != nil {
					return err
				}
				if keys, err = st.Keys(); err != nil {
					return err
				}
				if audience == "" {
					audience = cfg.Bucket.Name
				}
				if cmd.Flags().Changed("max-weak-window") {
					keys.MaxWeakWindow = window
				}
			}
			if err := addKeyFiles(keyFiles, keys.Add); err != nil {
				return err
			}
			if err := addKeyFiles(weakKeyFiles, keys.AddWeak); err != nil {
				return err
			}
			if keys.Len() == 0 {
				return fmt.Errorf("no verification keys: use --keys, --weak-keys or --config")
			}

			t, err := token.Verify(data, keys, audience, time.Now())
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(claimsView{
				ID:        t.ID,
				Issuer:    t.Issuer,
				Subject:   t.Subject,
				Audience:  t.Audience,
				Scope:     t.Scope,
				IssuedAt:  time.Unix(t.IssuedAt, 0).UTC(),
				NotBefore: time.Unix(t.NotBefore, 0).UTC(),
				ExpiresAt: time.Unix(t.ExpiresAt, 0).UTC(),
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&keyFiles, "keys", nil, "trusted public key files")
	cmd.Flags().StringSliceVar(&weakKeyFiles, "weak-keys", nil, "weak public key files")
	cmd.Flags().StringVarP(&audience, "audience", "a", "", "expected bucket name (default: bucket in --config)")
	cmd.Flags().DurationVar(&window, "max-weak-window", token.DefaultMaxWeakWindow, "longest accepted weak token window")
	return cmd
}

type claimsView struct {
	ID        string    `yaml:"id,omitempty"`
	Issuer    string    `yaml:"issuer,omitempty"`
	Subject   string    `yaml:"subject"`
	Audience  string    `yaml:"audience"`
	Scope     string    `yaml:"scope"`
	IssuedAt  time.Time `yaml:"issued_at"`
	NotBefore time.Time `yaml:"not_before"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

func addKeyFiles(paths []string, add func(crypto.PublicKey) error) error {
	for _, p := range paths {
		pubs, err := token.LoadPublicKeys(p)
		if err != nil {
			return err
		}
		for _, pub := range pubs {
			if err := add(pub); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
	}
	return nil
}
