// Command tablefatectl is the operator CLI for a running
// tablefate-managerd: it drives the admin HTTP surface and, for snapshot
// export/import, the bolt store file directly.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "tablefatectl",
	Short: "Operator CLI for tablefate-managerd",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:9191", "tablefate-managerd admin address")
	rootCmd.AddCommand(
		listCmd,
		cancelCmd,
		waitCmd,
		deleteCmd,
		getReturnCmd,
		getExceptionCmd,
		snapshotCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []string
		if err := getJSON("/fate/transactions", &ids); err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a NEW or SUBMITTED transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]bool
		if err := postJSON(fmt.Sprintf("/fate/transactions/%s/cancel", args[0]), &result); err != nil {
			return err
		}
		fmt.Printf("cancelled: %v\n", result["cancelled"])
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Block until a transaction reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := getJSON(fmt.Sprintf("/fate/transactions/%s/wait", args[0]), &result); err != nil {
			return err
		}
		fmt.Println(result["status"])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a transaction record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, serverAddr+fmt.Sprintf("/fate/transactions/%s", args[0]), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("tablefatectl: delete failed: %s", resp.Status)
		}
		return nil
	},
}

var getReturnCmd = &cobra.Command{
	Use:   "get-return <id>",
	Short: "Fetch a SUCCESSFUL transaction's return value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := getJSON(fmt.Sprintf("/fate/transactions/%s/return", args[0]), &result); err != nil {
			return err
		}
		fmt.Println(result["return_value"])
		return nil
	},
}

var getExceptionCmd = &cobra.Command{
	Use:   "get-exception <id>",
	Short: "Fetch a FAILED transaction's recorded exception",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := getJSON(fmt.Sprintf("/fate/transactions/%s/exception", args[0]), &result); err != nil {
			return err
		}
		fmt.Println(result["exception"])
		return nil
	},
}

var httpClient = &http.Client{Timeout: 90 * time.Second}

func getJSON(path string, out interface{}) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func postJSON(path string, out interface{}) error {
	resp, err := httpClient.Post(serverAddr+path, "application/json", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tablefatectl: %s: %s", resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}
