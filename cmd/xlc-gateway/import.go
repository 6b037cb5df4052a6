package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"xlc-gateway/internal/store"
)

// importCmd seeds the attribute store from a directory of per-device JSON
// files. The gateway must not be running, bbolt holds an exclusive lock.
var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import device attribute JSON files into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cfgPath)
		if err != nil {
			return err
		}
		return runImport(cmd, cfg.Store.Path, args[0])
	},
}

func runImport(cmd *cobra.Command, dbPath, dir string) error {
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := store.ImportDir(db, dir)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d device(s) into %s\n", n, dbPath)
	return err
}
