package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/allergoexpress/immunolab/internal/config"
	"github.com/allergoexpress/immunolab/internal/domain/result"
	"github.com/allergoexpress/immunolab/internal/platform/db"
)

func resultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Publish and look up results from the command line",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Publish results from a JSON file holding one payload or an array of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			reqs, err := parseImportFile(data)
			if err != nil {
				return err
			}

			svc, closeFn, err := openResultService()
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			failed := 0
			for i, req := range reqs {
				rec, err := svc.Ingest(cmd.Context(), req)
				if err != nil {
					failed++
					fmt.Fprintf(out, "#%d %s: %v\n", i+1, req.OrderID, err)
					continue
				}
				fmt.Fprintf(out, "#%d %s: published\n", i+1, rec.OrderID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d result(s) failed", failed, len(reqs))
			}
			return nil
		},
	})

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Look up a result with the same rules as GET /get-result",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q result.LookupQuery
			q.OrderID, _ = cmd.Flags().GetString("order-id")
			q.BirthDate, _ = cmd.Flags().GetString("birth-date")
			q.Phone, _ = cmd.Flags().GetString("phone")

			svc, closeFn, err := openResultService()
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := svc.Lookup(cmd.Context(), q)
			if errors.Is(err, result.ErrNotFound) {
				return fmt.Errorf("no result matches")
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
	getCmd.Flags().String("order-id", "", "Order id, e.g. AEM12345678")
	getCmd.Flags().String("birth-date", "", "Patient birth date (YYYY-MM-DD)")
	getCmd.Flags().String("phone", "", "Patient phone number")
	cmd.AddCommand(getCmd)

	return cmd
}

func orderIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order-id",
		Short: "Print a fresh order id and its result link",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithoutDatabase()
			if err != nil {
				return err
			}
			id := result.GenerateOrderID(time.Now())
			fmt.Fprintln(cmd.OutOrStdout(), id)
			fmt.Fprintln(cmd.OutOrStdout(), result.ResultLink(cfg.PublicSiteURL, id))
			return nil
		},
	}
}

// parseImportFile accepts a single ingest payload or a JSON array of them.
func parseImportFile(data []byte) ([]*result.IngestRequest, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("import file is empty")
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("parse import file: %w", err)
		}
	} else {
		raws = []json.RawMessage{data}
	}

	reqs := make([]*result.IngestRequest, 0, len(raws))
	for i, raw := range raws {
		var req result.IngestRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("parse entry #%d: %w", i+1, err)
		}
		reqs = append(reqs, &req)
	}
	return reqs, nil
}

func openResultService() (*result.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	svc := result.NewService(result.NewResultRepoPG(pool))
	svc.SetAllowOrderOnly(cfg.LookupAllowOrderOnly)
	return svc, pool.Close, nil
}
