package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/cryptobox"
	"github.com/jmerrifield20/chainmail/internal/discovery"
	"github.com/jmerrifield20/chainmail/internal/inbox"
	"github.com/jmerrifield20/chainmail/internal/keystore"
	"github.com/jmerrifield20/chainmail/internal/peer"
	"github.com/jmerrifield20/chainmail/pkg/client"
)

// ── register ─────────────────────────────────────────────────────────────────

var registerBits int

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Create an identity and publish its public key to the node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		keys, err := openKeys()
		if err != nil {
			return err
		}
		if passphrase == "" {
			pterm.Warning.Println("no passphrase set, the private key is stored unencrypted")
		}

		spinner, _ := pterm.DefaultSpinner.Start("generating key pair")
		priv, err := cryptobox.GenerateKey(registerBits)
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}
		spinner.Success("key pair generated")

		pub := cryptobox.EncodePublicKey(&priv.PublicKey)
		sealed, err := cryptobox.SealPrivateKey(priv, passphrase)
		if err != nil {
			return err
		}
		meta, err := keys.Register(name, pub, sealed, time.Now())
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		if _, err := c.PublishKey(commandContext(cmd), pub); err != nil {
			pterm.Warning.Printfln("could not publish key to %s: %v", c.Base(), err)
		}

		pterm.Success.Printfln("registered %s", meta.Name)
		pterm.Info.Printfln("identity hash: %s", meta.PublicHash)
		return nil
	},
}

func init() {
	registerCmd.Flags().IntVar(&registerBits, "bits", cryptobox.DefaultKeyBits, "RSA key size")
}

// ── send ─────────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send <me> <recipient-name-or-hash> <message>",
	Short: "Encrypt, sign and submit a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		keys, err := openKeys()
		if err != nil {
			return err
		}
		me, err := keys.LoadIdentity(args[0], passphrase)
		if err != nil {
			return fmt.Errorf("load identity %s: %w", args[0], err)
		}

		resolver := nodeResolver(keys)
		recipientHash, recipientPEM, err := resolveRecipient(ctx, keys, resolver, args[1])
		if err != nil {
			return err
		}
		recipientPub, err := cryptobox.ParsePublicKey(recipientPEM)
		if err != nil {
			return err
		}

		tx, err := cryptobox.BuildTransaction(me.Private, me.Hash, recipientPub, recipientHash, args[2], time.Now())
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Send(ctx, wireTransaction(tx))
		if err != nil {
			return describeSendError(err)
		}
		pterm.Success.Printfln("message stored in block %d", res.BlockIndex)
		return nil
	},
}

func wireTransaction(tx chain.Transaction) client.Transaction {
	return client.Transaction{
		SenderHash:       tx.SenderHash,
		RecipientHash:    tx.RecipientHash,
		Timestamp:        tx.Timestamp,
		EncryptedMessage: tx.EncryptedMessage,
		EncryptedKey:     tx.EncryptedKey,
		IV:               tx.IV,
		Signature:        tx.Signature,
	}
}

// nodeResolver resolves keys from the local key directory, falling back to
// the configured node.
func nodeResolver(keys *keystore.FileKeyStore) *keystore.Resolver {
	return keystore.NewResolver(keys, discovery.Static{nodeURL}, peer.NewClient(timeout), 0, zap.NewNop())
}

// resolveRecipient accepts a registered local name or an identity hash and
// returns the hash and PEM public key.
func resolveRecipient(ctx context.Context, keys *keystore.FileKeyStore, r *keystore.Resolver, who string) (string, string, error) {
	if keystore.ValidHash(who) {
		pem, err := r.PublicKey(ctx, who)
		if err != nil {
			return "", "", fmt.Errorf("recipient %s: %w", who, err)
		}
		return who, pem, nil
	}
	pem, err := keys.NamedPublicKey(who)
	if err != nil {
		return "", "", fmt.Errorf("recipient %s: %w", who, err)
	}
	return cryptobox.PublicKeyHash(pem), pem, nil
}

func describeSendError(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case "unknown_sender":
		return fmt.Errorf("the node does not know your public key; run register again or publish it: %w", err)
	case "duplicate_tx":
		return fmt.Errorf("this message is already on the chain: %w", err)
	default:
		return err
	}
}

// ── inbox ────────────────────────────────────────────────────────────────────

var (
	inboxSince int
	inboxWatch time.Duration
)

var inboxCmd = &cobra.Command{
	Use:   "inbox <me>",
	Short: "Decrypt and list the messages addressed to an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := openKeys()
		if err != nil {
			return err
		}
		me, err := keys.LoadIdentity(args[0], passphrase)
		if err != nil {
			return fmt.Errorf("load identity %s: %w", args[0], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		reader := inbox.NewReader(me.Hash, me.Private, nodeResolver(keys))

		ctx := commandContext(cmd)
		since := inboxSince
		poll := func() error {
			raw, err := c.RawChain(ctx)
			if err != nil {
				return err
			}
			ch, err := chain.Unmarshal(raw)
			if err != nil {
				return err
			}
			var msgs []inbox.Message
			msgs, since = reader.Read(ctx, ch, since)
			if len(msgs) > 0 || inboxWatch == 0 {
				return renderInbox(msgs)
			}
			return nil
		}

		if inboxWatch == 0 {
			return poll()
		}

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		pterm.Info.Printfln("watching %s every %s, Ctrl-C to stop", c.Base(), inboxWatch)
		t := time.NewTicker(inboxWatch)
		defer t.Stop()
		for {
			if err := poll(); err != nil && ctx.Err() == nil {
				pterm.Warning.Println(err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	},
}

func init() {
	inboxCmd.Flags().IntVar(&inboxSince, "since", 0, "only scan blocks after this index")
	inboxCmd.Flags().DurationVar(&inboxWatch, "watch", 0, "poll the node at this interval (e.g. 5s)")
}

func renderInbox(msgs []inbox.Message) error {
	if len(msgs) == 0 {
		pterm.Info.Println("no new messages")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(inboxTable(msgs)).Render()
}

func inboxTable(msgs []inbox.Message) pterm.TableData {
	data := pterm.TableData{{"BLOCK", "FROM", "SENT", "VERIFIED", "MESSAGE"}}
	for _, m := range msgs {
		text := m.Text
		if m.Err != nil {
			text = pterm.Red("could not decrypt: " + m.Err.Error())
		}
		verified := pterm.Yellow("no")
		if m.Verified {
			verified = pterm.Green("yes")
		}
		data = append(data, []string{
			fmt.Sprint(m.BlockIndex),
			short(m.From),
			m.Timestamp,
			verified,
			text,
		})
	}
	return data
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

