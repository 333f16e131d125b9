package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/chainmail/pkg/client"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Show the node's chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ch, err := c.Chain(commandContext(cmd))
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(chainTable(ch)).Render()
	},
}

func chainTable(ch []client.Block) pterm.TableData {
	data := pterm.TableData{{"INDEX", "TIMESTAMP", "TXS", "NONCE", "HASH"}}
	for _, b := range ch {
		data = append(data, []string{
			fmt.Sprint(b.Index),
			b.Timestamp,
			fmt.Sprint(len(b.Transactions)),
			fmt.Sprint(b.Nonce),
			short(b.Hash),
		})
	}
	return data
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ask the node to reconcile with its peers now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		replaced, err := c.Sync(commandContext(cmd))
		if err != nil {
			return err
		}
		if replaced {
			pterm.Success.Println("adopted a longer chain from a peer")
		} else {
			pterm.Info.Println("local chain kept")
		}
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers the node knows about",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		peers, err := c.Peers(commandContext(cmd))
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			pterm.Info.Println("no peers")
			return nil
		}
		items := make([]pterm.BulletListItem, len(peers))
		for i, p := range peers {
			items[i] = pterm.BulletListItem{Level: 0, Text: p}
		}
		return pterm.DefaultBulletList.WithItems(items).Render()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the node's chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		info, err := c.Ledger(ctx)
		if err != nil {
			return err
		}
		res, err := c.Verify(ctx)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("%d blocks, difficulty %d, tip %s", info.Blocks, info.Difficulty, short(info.Root))
		if !res.Valid {
			return fmt.Errorf("chain invalid: %s", res.Error)
		}
		pterm.Success.Println("chain valid")
		return nil
	},
}
