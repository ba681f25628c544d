package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goodtune/foresee/internal/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
)

var (
	chatProxyURL  string
	chatModel     string
	chatSystem    string
	chatMaxTokens int
	chatStream    bool
	chatTimeout   time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat [flags] PROMPT...",
	Short: "Send a chat completion through the LLM relay",
	Long: `Send one chat completion request through a running 'foresee proxy' and print
the reply. The relay attaches the upstream API key, so no key is needed here.`,
	Example: `  foresee chat "How long is too long on social media?"
  foresee chat --stream --model anthropic/claude-3.5-haiku "Suggest a short break activity"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatProxyURL, "proxy-url", "", "Relay base URL (default http://localhost:<server.proxy_port>)")
	chatCmd.Flags().StringVar(&chatModel, "model", "openai/gpt-4o-mini", "Model to request")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "Optional system prompt")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "Maximum tokens in the reply (0 lets the relay decide)")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "Stream the reply as it is generated (relay must run in stream mode)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "Overall request timeout")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	baseURL := chatProxyURL
	if baseURL == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		baseURL = "http://" + listenAddr("localhost", cfg.Server.ProxyPort)
	}

	// The relay ignores caller credentials, but the client insists on a token
	clientCfg := openai.DefaultConfig("foresee-relay")
	clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
	client := openai.NewClientWithConfig(clientCfg)

	var messages []openai.ChatCompletionMessage
	if chatSystem != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: chatSystem})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: strings.Join(args, " ")})

	req := openai.ChatCompletionRequest{
		Model:     chatModel,
		Messages:  messages,
		MaxTokens: chatMaxTokens,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
	defer cancel()

	if chatStream {
		return streamChat(ctx, client, req, os.Stdout)
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("relay returned no choices")
	}

	fmt.Fprintln(os.Stdout, resp.Choices[0].Message.Content)
	return nil
}

func streamChat(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, w io.Writer) error {
	req.Stream = true

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("chat completion stream failed: %w", err)
	}
	defer func() { _ = stream.Close() }()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			return fmt.Errorf("chat completion stream interrupted: %w", err)
		}
		for _, choice := range chunk.Choices {
			fmt.Fprint(w, choice.Delta.Content)
		}
	}
}
