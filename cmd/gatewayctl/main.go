// Command gatewayctl is a command-line client for gatewayd's HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string

	rootCmd = &cobra.Command{
		Use:   "gatewayctl",
		Short: "Mesh gateway control CLI",
		Long:  "Command-line client for a running gatewayd instance's HTTP API.",
	}

	contactsCmd = &cobra.Command{
		Use:   "contacts",
		Short: "List known contacts",
		RunE:  listContacts,
	}

	channelsCmd = &cobra.Command{
		Use:   "channels",
		Short: "List known channels",
		RunE:  listChannels,
	}

	sendCmd = &cobra.Command{
		Use:   "send [dest-key] [text]",
		Short: "Send a direct message",
		Args:  cobra.ExactArgs(2),
		RunE:  sendDirect,
	}

	sendChanCmd = &cobra.Command{
		Use:   "send-channel [channel-key] [text]",
		Short: "Send a channel message",
		Args:  cobra.ExactArgs(2),
		RunE:  sendChannel,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show gateway health",
		RunE:  showHealth,
	}

	reconnectCmd = &cobra.Command{
		Use:   "reconnect",
		Short: "Trigger a manual reconnect",
		RunE:  triggerReconnect,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8765", "Gateway HTTP API address")
	rootCmd.AddCommand(contactsCmd, channelsCmd, sendCmd, sendChanCmd, healthCmd, reconnectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func apiGet(path string, out interface{}) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func apiPost(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gatewayctl: server returned %s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func listContacts(cmd *cobra.Command, args []string) error {
	var contacts []struct {
		PublicKey string `json:"PublicKey"`
		Name      string `json:"Name"`
		OnRadio   bool   `json:"OnRadio"`
		LastSeen  int64  `json:"LastSeen"`
	}
	if err := apiGet("/contacts", &contacts); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLIC KEY\tNAME\tON RADIO\tLAST SEEN")
	for _, c := range contacts {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", c.PublicKey, c.Name, c.OnRadio, time.Unix(c.LastSeen, 0).Format(time.RFC3339))
	}
	return w.Flush()
}

func listChannels(cmd *cobra.Command, args []string) error {
	var channels []struct {
		Key     string `json:"Key"`
		Name    string `json:"Name"`
		OnRadio bool   `json:"OnRadio"`
	}
	if err := apiGet("/channels", &channels); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tON RADIO")
	for _, c := range channels {
		fmt.Fprintf(w, "%s\t%s\t%v\n", c.Key, c.Name, c.OnRadio)
	}
	return w.Flush()
}

func sendDirect(cmd *cobra.Command, args []string) error {
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	req := map[string]string{"dest_key": args[0], "text": args[1]}
	if err := apiPost("/messages/direct", req, &result); err != nil {
		return err
	}
	fmt.Printf("sent message %d\n", result.MessageID)
	return nil
}

func sendChannel(cmd *cobra.Command, args []string) error {
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	req := map[string]string{"channel_key": args[0], "text": args[1]}
	if err := apiPost("/messages/channel", req, &result); err != nil {
		return err
	}
	fmt.Printf("sent message %d\n", result.MessageID)
	return nil
}

func showHealth(cmd *cobra.Command, args []string) error {
	var health map[string]interface{}
	if err := apiGet("/healthz", &health); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for k, v := range health {
		fmt.Fprintf(w, "%s\t%v\n", k, v)
	}
	return w.Flush()
}

func triggerReconnect(cmd *cobra.Command, args []string) error {
	var result struct {
		RequestID string `json:"request_id"`
	}
	if err := apiPost("/reconnect", struct{}{}, &result); err != nil {
		return err
	}
	fmt.Printf("reconnect requested: %s\n", result.RequestID)
	return nil
}
