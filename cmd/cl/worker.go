package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claimline/internal/engine/auth"
	claimlinesdk "claimline/sdk/go"
)

// workerCmd drives the signed worker endpoints of a running server.
func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Act as a worker against a running server",
		Long:  "Worker commands sign each request with CLAIMLINE_WORKER_KEY (see cl keygen) and call the server at --server.",
	}
	w.PersistentFlags().String("server", "http://127.0.0.1:8080", "server base URL")
	w.PersistentFlags().String("worker-key", "", "hex ed25519 private key or seed")
	w.PersistentFlags().String("lineage", "", "lineage id")
	w.PersistentFlags().String("github", "", "GitHub username to claim as")
	_ = viper.BindPFlag("server", w.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("worker-key", w.PersistentFlags().Lookup("worker-key"))
	_ = viper.BindPFlag("lineage", w.PersistentFlags().Lookup("lineage"))
	_ = viper.BindPFlag("github", w.PersistentFlags().Lookup("github"))

	var variant string
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, lineage, err := workerClient()
			if err != nil {
				return err
			}
			res, err := c.FetchClaim(cmd.Context(), lineage, variant)
			if err != nil {
				return err
			}
			if res.Status == "none" && !viper.GetBool("json") {
				fmt.Println("no unit available")
				return nil
			}
			return printJSONOrTable(res)
		},
	}
	claim.Flags().StringVar(&variant, "variant", "", "only claim this variant")

	proof := &cobra.Command{
		Use:   "proof <pr-url>",
		Short: "Submit a pull request for the held claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, lineage, err := workerClient()
			if err != nil {
				return err
			}
			u, err := c.SubmitProof(cmd.Context(), lineage, args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(u)
		},
	}

	bind := &cobra.Command{
		Use:   "bind",
		Short: "Bind the submitted claim to the audit round",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, lineage, err := workerClient()
			if err != nil {
				return err
			}
			u, err := c.BindRound(cmd.Context(), lineage)
			if err != nil {
				return err
			}
			return printJSONOrTable(u)
		},
	}

	var unitID string
	fail := &cobra.Command{
		Use:   "fail <message>",
		Short: "Report a failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, lineage, err := workerClient()
			if err != nil {
				return err
			}
			return c.ReportFailure(cmd.Context(), lineage, unitID, args[0])
		},
	}
	fail.Flags().StringVar(&unitID, "unit", "", "unit the failure belongs to")

	release := &cobra.Command{
		Use:   "release",
		Short: "Give the held claim back",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, lineage, err := workerClient()
			if err != nil {
				return err
			}
			u, err := c.Release(cmd.Context(), lineage)
			if err != nil {
				return err
			}
			return printJSONOrTable(u)
		},
	}

	w.AddCommand(claim, proof, bind, fail, release)
	return w
}

func workerClient() (*claimlinesdk.Client, string, error) {
	lineage := viper.GetString("lineage")
	if lineage == "" {
		return nil, "", fmt.Errorf("--lineage or CLAIMLINE_LINEAGE required")
	}
	raw := viper.GetString("worker-key")
	if raw == "" {
		return nil, "", fmt.Errorf("--worker-key or CLAIMLINE_WORKER_KEY required")
	}
	priv, err := auth.PrivateKeyFromHex(raw)
	if err != nil {
		return nil, "", err
	}
	c := claimlinesdk.New(viper.GetString("server"), priv)
	c.GithubUsername = viper.GetString("github")
	return c, lineage, nil
}
