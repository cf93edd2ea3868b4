package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags shared by all subcommands.
var (
	configPath    string
	monitorSocket string
	outputFormat  string
	noHeaders     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blockplane",
	Short: "Blockplane - storage chain control plane for QEMU/libvirt VMs",
	Long: `Blockplane manages the storage backing chains of running VMs: attaching
and detaching chains node by node, running block jobs (pull, commit, copy,
backup) with safe pivots, and reconciling dirty bitmaps across chain
operations.

It talks to the VM's device manager over QMP, either through the libvirt
monitor passthrough or directly via the VM's monitor socket.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the blockplane configuration file")
	rootCmd.PersistentFlags().StringVar(&monitorSocket, "monitor-socket", "", "Connect to this QMP socket instead of going through libvirt")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "Omit headers in table output")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(pivotCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(bitmapsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(testConnCmd)
}
