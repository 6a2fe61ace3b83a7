package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/inkwell-ai/inkwell/internal/auth"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/db"
	"github.com/inkwell-ai/inkwell/internal/embeddings"
	"github.com/inkwell-ai/inkwell/internal/fewshot"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/sqlconn"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
	"github.com/inkwell-ai/inkwell/migrations"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "inkwellctl",
	Short: "Operations tool for an Inkwell deployment",
	Long: `inkwellctl works against the same configuration and stores as the
inkwell server: seed few-shot SQL examples, mint API keys, inspect
connection strings, and print the merged configuration.

The config file is resolved like the server resolves it: CONFIG_PATH
first, then config/inkwell.yaml relative to the working directory.`,
	SilenceUsage: true,
}

var seedCmd = &cobra.Command{
	Use:   "seed-examples [file]",
	Short: "Load few-shot SQL examples into the vector store",
	Long: `Reads a YAML file of question/SQL pairs, embeds each question, and
inserts them into the example store. Questions already present are
skipped, so re-running a seed file is safe.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config/fewshot_seed.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		var seed seedFile
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return fmt.Errorf("parse seed file %s: %w", path, err)
		}
		if len(seed.Examples) == 0 {
			return fmt.Errorf("seed file %s contains no examples", path)
		}

		embeddings.Initialize(embeddingsConfig(cfg), nil)

		store, err := vectordb.Initialize(cfg.VectorStore, nil, logger)
		if err != nil {
			return fmt.Errorf("open vector store: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		err = migrations.Apply(ctx, store.DB().DB, "fewshot", map[string]string{
			"dim": fmt.Sprintf("%d", cfg.VectorStore.EmbedDim),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("migrate example store: %w", err)
		}

		fs := fewshot.NewStore(store.DB(), embeddings.Get(), logger)
		added, skipped := 0, 0
		for i, ex := range seed.Examples {
			landed, err := fs.Add(cmd.Context(), &models.FewShotExample{
				Question:   ex.Question,
				SQL:        ex.SQL,
				SQLContext: ex.SQLContext,
				Complexity: ex.Complexity,
				Domain:     ex.Domain,
			})
			if err != nil {
				return fmt.Errorf("example %d (%q): %w", i+1, ex.Question, err)
			}
			if landed {
				added++
			} else {
				skipped++
			}
		}
		fmt.Printf("Seeded %d examples from %s (%d already present)\n", added, path, skipped)
		return nil
	},
}

var createKeyCmd = &cobra.Command{
	Use:   "create-api-key",
	Short: "Mint an API key and store its hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		dbClient, err := db.NewClient(cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer dbClient.Close()

		svc := auth.NewService(dbClient.DB(), cfg.Auth, logger)
		key, rec, err := svc.CreateAPIKey(cmd.Context(), userID, name)
		if err != nil {
			return err
		}
		fmt.Printf("API key %s for user %s:\n\n  %s\n\n", rec.KeyPrefix, rec.UserID, key)
		fmt.Println("The key is shown only once; the server stores a hash.")
		return nil
	},
}

var parseDSNCmd = &cobra.Command{
	Use:   "parse-dsn <connection-string>",
	Short: "Split a connection URI into its components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, err := sqlconn.ParseDSN(args[0])
		if err != nil {
			return err
		}
		show, _ := cmd.Flags().GetBool("show-password")
		if !show && parts.Password != "" {
			parts.Password = "[redacted]"
		}
		out, err := json.MarshalIndent(parts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an encryption secret for stored credentials",
	Long: `Prints a random secret suitable for sql_chat.encryption_key (or the
SQL_CHAT_ENCRYPTION_KEY environment variable). Any passphrase works,
the Fernet key is derived from it, but a random one resists guessing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("read random bytes: %w", err)
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(buf))
		return nil
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print the merged configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redactSecrets(cfg)
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

// seedFile is the YAML shape of a few-shot seed file.
type seedFile struct {
	Examples []struct {
		Question   string `yaml:"question"`
		SQL        string `yaml:"sql"`
		SQLContext string `yaml:"sql_context"`
		Complexity string `yaml:"complexity"`
		Domain     string `yaml:"domain"`
	} `yaml:"examples"`
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger keeps library logging quiet unless --verbose is set; the
// commands report through stdout.
func newLogger() *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func embeddingsConfig(cfg *config.Config) embeddings.Config {
	return embeddings.Config{
		Provider:     cfg.Embeddings.Provider,
		BaseURL:      cfg.Embeddings.BaseURL,
		APIKey:       cfg.Embeddings.APIKey,
		DefaultModel: cfg.Embeddings.Model,
		Timeout:      cfg.Embeddings.Timeout,
		CacheTTL:     cfg.Embeddings.CacheTTL,
		MaxLRU:       cfg.Embeddings.MaxLRU,
	}
}

func redactSecrets(cfg *config.Config) {
	const mask = "[redacted]"
	if cfg.Database.URL != "" {
		cfg.Database.URL = redactURL(cfg.Database.URL)
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = mask
	}
	if cfg.VectorStore.Password != "" {
		cfg.VectorStore.Password = mask
	}
	if cfg.Embeddings.APIKey != "" {
		cfg.Embeddings.APIKey = mask
	}
	if cfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = mask
	}
	if cfg.Auth.APIKey != "" {
		cfg.Auth.APIKey = mask
	}
	if cfg.SQLChat.EncryptionKey != "" {
		cfg.SQLChat.EncryptionKey = mask
	}
}

// redactURL strips the password from a connection URL, keeping the rest
// readable. Unparseable URLs are masked entirely.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose library logging")

	createKeyCmd.Flags().String("user", "", "User the key belongs to")
	createKeyCmd.Flags().String("name", "", "Label for the key (e.g. \"ci\", \"laptop\")")
	createKeyCmd.MarkFlagRequired("user")

	parseDSNCmd.Flags().Bool("show-password", false, "Print the password instead of redacting it")

	rootCmd.AddCommand(
		seedCmd,
		createKeyCmd,
		parseDSNCmd,
		genKeyCmd,
		printConfigCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
