package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/AlexZinkM/canton-connect/internal/config"
	"github.com/AlexZinkM/canton-connect/internal/crypto"
	"github.com/AlexZinkM/canton-connect/internal/logging"
	"github.com/AlexZinkM/canton-connect/internal/sessionstore"
	"github.com/AlexZinkM/canton-connect/internal/storage"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage session encryption keys and stored records.",
	}
	cmd.AddCommand(newSessionKeygenCommand(), newSessionRekeyCommand())
	return cmd
}

func newSessionKeygenCommand() *cobra.Command {
	var salt bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh SESSION_KEY (or SESSION_KEY_SALT with --salt).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			b := make([]byte, crypto.KeyLen)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("failed to read random bytes: %w", err)
			}
			name := "SESSION_KEY"
			if salt {
				name = "SESSION_KEY_SALT"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", name, base64.StdEncoding.EncodeToString(b))
			clear(b)
			return nil
		},
	}
	cmd.Flags().BoolVar(&salt, "salt", false, "generate a passphrase salt instead of a raw key")
	return cmd
}

// keySource is one side of a rekey: a cipher plus either a raw key or a passphrase salt
type keySource struct {
	cipher string
	key    string
	salt   string
}

func (k keySource) provider() (crypto.Provider, error) {
	switch k.cipher {
	case config.CipherAESGCM:
		return crypto.NewAESGCM(), nil
	case config.CipherSecretBox:
		return crypto.NewSecretBox(), nil
	default:
		return nil, fmt.Errorf("unknown cipher %q", k.cipher)
	}
}

// resolve returns the key bytes, prompting for a passphrase when no raw key is given.
// Caller must zero the result.
func (k keySource) resolve(label string) ([]byte, error) {
	if k.key != "" {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s key: %w", label, err)
		}
		if len(key) != crypto.KeyLen {
			return nil, fmt.Errorf("%s key must decode to %d bytes", label, crypto.KeyLen)
		}
		return key, nil
	}
	if k.salt == "" {
		return nil, fmt.Errorf("%s key or salt is required", label)
	}
	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k.salt))
	if err != nil {
		return nil, fmt.Errorf("invalid %s salt: %w", label, err)
	}
	pass, err := readPassphrase(fmt.Sprintf("Enter %s passphrase: ", label))
	if err != nil {
		return nil, err
	}
	defer clear(pass)
	return crypto.DeriveKey(pass, salt, crypto.DefaultScryptParams)
}

func readPassphrase(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("stdin is not a terminal: pass the key with --key/--new-key instead")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pass, nil
}

func newSessionRekeyCommand() *cobra.Command {
	var (
		kind, dir, redisURL, origin string
		from, to                    keySource
	)
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the stored session record under a new key or cipher.",
		Long:  `Opens the stored session record of --origin with the old key and writes it back under the new one. The record's contents are not changed.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if origin == "" {
				return errors.New("--origin is required")
			}
			backend, closeFn, err := openBackend(kind, dir, redisURL, origin)
			if err != nil {
				return err
			}
			defer closeFn()
			return rekey(cmd.Context(), backend, origin, from, to, func(format string, a ...any) {
				fmt.Fprintf(cmd.OutOrStdout(), format, a...)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "storage", config.StorageFile, "session storage: file or redis")
	cmd.Flags().StringVar(&dir, "dir", ".canton-connect", "session directory for file storage")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "redis url for redis storage")
	cmd.Flags().StringVar(&origin, "origin", "", "application origin the record belongs to")
	cmd.Flags().StringVar(&from.cipher, "cipher", config.CipherAESGCM, "current cipher")
	cmd.Flags().StringVar(&from.key, "key", "", "current SESSION_KEY (base64)")
	cmd.Flags().StringVar(&from.salt, "salt", "", "current SESSION_KEY_SALT, prompts for the passphrase")
	cmd.Flags().StringVar(&to.cipher, "new-cipher", config.CipherAESGCM, "new cipher")
	cmd.Flags().StringVar(&to.key, "new-key", "", "new SESSION_KEY (base64)")
	cmd.Flags().StringVar(&to.salt, "new-salt", "", "new SESSION_KEY_SALT, prompts for the passphrase")
	return cmd
}

func openBackend(kind, dir, redisURL, origin string) (storage.Storage, func(), error) {
	switch kind {
	case config.StorageFile:
		f, err := storage.NewFile(dir, origin)
		return f, func() {}, err
	case config.StorageRedis:
		client, err := storage.ConnectRedis(redisURL)
		if err != nil {
			return nil, nil, err
		}
		r, err := storage.NewRedis(client, origin)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return r, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("storage must be %s or %s, got %q", config.StorageFile, config.StorageRedis, kind)
	}
}

func rekey(ctx context.Context, backend storage.Storage, origin string, from, to keySource, report func(string, ...any)) error {
	logger := logging.MustGetLogger("rekey")

	oldStore, err := openStore(backend, origin, from, "current", logger)
	if err != nil {
		return err
	}
	ps, err := oldStore.Load(ctx)
	if err != nil {
		return err
	}
	if ps == nil {
		return errors.New("no session record could be opened with the current key")
	}

	newStore, err := openStore(backend, origin, to, "new", logger)
	if err != nil {
		return err
	}
	if err := newStore.Save(ctx, *ps); err != nil {
		return err
	}
	report("re-encrypted session %s (wallet %s) with %s\n", ps.SessionID, ps.WalletID, to.cipher)
	return nil
}

func openStore(backend storage.Storage, origin string, src keySource, label string, logger logging.Logger) (*sessionstore.Store, error) {
	provider, err := src.provider()
	if err != nil {
		return nil, err
	}
	key, err := src.resolve(label)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return sessionstore.New(backend, provider, key, origin, logger)
}
