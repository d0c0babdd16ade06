package backend

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DirectAnalyzer is an AnalysisService that answers task instructions
// through the Anthropic Messages API directly, for deployments without a
// dedicated analysis backend. It supports the direct API-key path and
// AWS Bedrock.
type DirectAnalyzer struct {
	inner anthropic.Client
	model anthropic.Model
}

var _ AnalysisService = (*DirectAnalyzer)(nil)

// DirectConfig contains configuration for creating a DirectAnalyzer.
type DirectConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewDirectAnalyzer creates an Anthropic-backed analysis service.
func NewDirectAnalyzer(cfg DirectConfig) (*DirectAnalyzer, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &DirectAnalyzer{
		inner: anthropic.NewClient(opts...),
		model: model,
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to
// Bedrock cross-region inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

const directSystemPrompt = "You are an equity research analyst. Answer the instruction " +
	"using only the supplied market snapshot and prior findings. Be concrete and concise."

// Analyze answers the task instruction with one Messages API call.
func (d *DirectAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error) {
	prompt := buildDirectPrompt(req)

	resp, err := d.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: directSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages API: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}
	if text == "" {
		return &AnalysisResponse{Success: false, Error: "model returned no text"}, nil
	}

	return &AnalysisResponse{Success: true, Result: text}, nil
}

// buildDirectPrompt folds the instruction, market snapshot and prior
// outputs into one prompt document.
func buildDirectPrompt(req AnalysisRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task: %s\nStock: %s\n", req.TaskID, req.StockCode)
	if req.Market != nil {
		fmt.Fprintf(&sb, "Market snapshot: price=%.2f change=%.2f%% volume=%d pe=%.2f as of %s\n",
			req.Market.Price, req.Market.ChangePct, req.Market.Volume,
			req.Market.PERatio, req.Market.AsOf.Format("2006-01-02 15:04"))
	}
	if len(req.PriorOutputs) > 0 {
		sb.WriteString("\nPrior findings:\n")
		for id, output := range req.PriorOutputs {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", id, output)
		}
	}
	sb.WriteString("\nInstruction: ")
	sb.WriteString(req.Instruction)

	return sb.String()
}
