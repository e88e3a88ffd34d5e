package main

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sushant-115/tablefate/core/fate/step"
	"github.com/sushant-115/tablefate/core/fate/store"
	_ "github.com/sushant-115/tablefate/core/fate/tableops"
)

var snapshotStorePath string
var snapshotInMemory bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or import a bolt store snapshot",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Stream a zstd-compressed JSON dump of the store to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := snapshotFs()
		st, err := store.Open(snapshotStorePath, step.DefaultRegistry, nil)
		if err != nil {
			return fmt.Errorf("tablefatectl: open store: %w", err)
		}
		defer st.Close()

		f, err := fs.Create(args[0])
		if err != nil {
			return fmt.Errorf("tablefatectl: create %s: %w", args[0], err)
		}
		defer f.Close()

		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("tablefatectl: zstd writer: %w", err)
		}
		if err := st.Dump(zw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the store's contents from a zstd-compressed JSON dump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := snapshotFs()
		st, err := store.Open(snapshotStorePath, step.DefaultRegistry, nil)
		if err != nil {
			return fmt.Errorf("tablefatectl: open store: %w", err)
		}
		defer st.Close()

		f, err := fs.Open(args[0])
		if err != nil {
			return fmt.Errorf("tablefatectl: open %s: %w", args[0], err)
		}
		defer f.Close()

		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("tablefatectl: zstd reader: %w", err)
		}
		defer zr.Close()

		return st.Load(zr)
	},
}

func init() {
	snapshotCmd.PersistentFlags().StringVar(&snapshotStorePath, "store-path", "tablefate.db", "path to the manager's bolt store file")
	snapshotCmd.PersistentFlags().BoolVar(&snapshotInMemory, "memory-fs", false, "use an in-memory filesystem for the dump file (testing)")
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd)
}

// snapshotFs returns the afero filesystem the dump file is read/written
// through, grounded in the reference scheduler's LogStashConfig.CreateFs /
// afero.NewBasePathFs pattern.
func snapshotFs() afero.Fs {
	if snapshotInMemory {
		return afero.NewMemMapFs()
	}
	return afero.NewOsFs()
}
