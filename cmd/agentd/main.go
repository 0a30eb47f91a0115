package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"agentd/engine/internal/appdirs"
	"agentd/engine/internal/engine"
	"agentd/engine/internal/envfile"
	"agentd/engine/internal/envutil"
	"agentd/engine/internal/errinfo"
	"agentd/engine/internal/logging"
	"agentd/engine/internal/rpc"
	"agentd/engine/internal/settings"
)

var (
	flagDebug    bool
	flagDataDir  string
	flagEndpoint string
	flagModel    string
	flagCheck    string
)

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Coding agent engine speaking line-delimited JSON-RPC on stdio",
		Long: "agentd drives an autonomous coding agent against a local OpenAI-compatible\n" +
			"backend. A chat client connects over stdin/stdout using line-delimited\n" +
			"JSON-RPC; all state lives under the data directory.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging (also AGENTD_DEBUG=1)")
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "override the data directory (also AGENTD_DATA_DIR)")
	root.Flags().StringVar(&flagEndpoint, "endpoint", "", "backend base URL, e.g. http://localhost:1234")
	root.Flags().StringVar(&flagModel, "model", "", "model id to request from the backend")
	root.Flags().StringVar(&flagCheck, "check", "", "compile/check command run after each implement pass, e.g. 'python -m compileall .'")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	if flagDataDir != "" {
		os.Setenv("AGENTD_DATA_DIR", flagDataDir)
	}
	envResult := envfile.Load()
	debug := flagDebug || envutil.Bool("AGENTD_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	if flagEndpoint != "" || flagModel != "" {
		store := settings.NewStore(filepath.Join(dataDir, "settings.json"))
		if _, err := store.Update(func(s *settings.Settings) {
			if flagEndpoint != "" {
				s.Endpoint = flagEndpoint
			}
			if flagModel != "" {
				s.DefaultModelID = flagModel
			}
		}); err != nil {
			logger.Warn("engine.settings_override_failed", "error", err.Error())
		}
	}

	var opts []engine.Option
	opts = append(opts, engine.WithLogger(logger))
	if flagCheck != "" {
		opts = append(opts, engine.WithCheckCommand(strings.Fields(flagCheck)))
	}
	eng, err := engine.New(opts...)
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	defer eng.Close()

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, logger)
	eng.SetNotifier(server.Notify)

	register := func(method string, fn func(context.Context, json.RawMessage) (any, *errinfo.ErrorInfo)) {
		server.Register(method, func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
			result, errInfo := fn(ctx, params)
			if errInfo != nil {
				msg := errInfo.ErrorCode
				if errInfo.Detail != "" {
					msg = errInfo.Detail
				}
				return nil, &rpc.Error{Message: msg, Data: errInfo}
			}
			return result, nil
		})
	}

	register("EngineGetInfo", eng.EngineGetInfo)
	register("SettingsGet", eng.SettingsGet)
	register("SettingsUpdate", eng.SettingsUpdate)
	register("ModelsList", eng.ModelsList)
	register("BackendGetStatus", eng.BackendGetStatus)

	register("ConversationCreate", eng.ConversationCreate)
	register("ConversationList", eng.ConversationList)
	register("ConversationOpen", eng.ConversationOpen)
	register("ConversationDelete", eng.ConversationDelete)
	register("ConversationAddUserMessage", eng.ConversationAddUserMessage)

	register("AgentRun", eng.AgentRun)
	register("AgentCancel", eng.AgentCancel)
	register("ToolApprovalDecide", eng.ToolApprovalDecide)

	register("ConstitutionGet", eng.ConstitutionGet)
	register("ConstitutionAmend", eng.ConstitutionAmend)
	register("DecisionLogList", eng.DecisionLogList)
	register("DecisionLogAppend", eng.DecisionLogAppend)
	register("IndexGet", eng.IndexGet)
	register("IndexAudit", eng.IndexAudit)
	register("WorkspaceFileTree", eng.WorkspaceFileTree)

	if err := server.Serve(context.Background()); err != nil {
		logger.Error("rpc.server_error", "error", err.Error())
		log.Fatalf("rpc server error: %v", err)
	}
	return nil
}
