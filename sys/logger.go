package sys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	// Style definitions
	infoColor       = color.New(color.FgHiBlack)
	warnColor       = color.New(color.FgHiYellow)
	errorColor      = color.New(color.FgHiRed)
	fatalColor      = color.New(color.FgHiRed, color.Bold)
	storeColor      = color.New(color.FgHiBlack)
	voiceColor      = color.New(color.FgHiMagenta)
	downloaderColor = color.New(color.FgHiCyan)
	presenceColor   = color.New(color.FgHiGreen)

	IsSilent  = false
	LogToFile = false

	// Global default logger
	Logger *slog.Logger

	// Log file handling
	logFile *os.File
	logMu   sync.Mutex
)

func init() {
	// Initialize with a default handler immediately (Stdout only)
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger and returns the log file
// name when file logging is active.
func InitLogger(silent bool, saveToFile bool) string {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	// Clean up previous file if it exists (e.g. during reload)
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error
	logName := ""

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName = "xybeat.log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
			logName = ""
		} else {
			writer = io.MultiWriter(os.Stdout, logFile)
		}
	}

	// Force colors to be enabled even if writing to a file/pipe avoids detection
	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
	return logName
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Log Functions ---

func LogInfo(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...))
}

// LogFatal logs at the custom fatal level and panics so deferred cleanup runs.
func LogFatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...))
}

func LogStore(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "store"))
}

func LogVoice(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "voice"))
}

func LogDownloader(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "downloader"))
}

func LogPresence(format string, v ...interface{}) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "presence"))
}

// --- Custom Slog Handler ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format("15:04:05")
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4: // Fatal
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	default:
		levelStr = "INFO"
		levelColor = infoColor
	}

	// Extract component if present
	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	// Output: 15:04:05 [INFO] [COMPONENT] Message
	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		// Component-specific logs: Level tag (if not INFO) is isolated, Message bleeds component color
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", compColor.Sprintf("[%s] %s", component, r.Message))
	} else {
		fmt.Fprintf(h.w, " %s\n", levelColor.Sprintf("[%s] %s", levelStr, r.Message))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

func getComponentColor(name string) *color.Color {
	switch name {
	case "STORE":
		return storeColor
	case "VOICE":
		return voiceColor
	case "DOWNLOADER":
		return downloaderColor
	case "PRESENCE":
		return presenceColor
	default:
		return color.New(color.FgCyan)
	}
}

// @core
const (
	// Configuration
	MsgConfigFailedToLoad = "Failed to load config: %v"
	MsgConfigMissingToken = "DISCORD_TOKEN is not set in .env file"

	// Data layer
	MsgStoreInitSuccess   = "Snapshot store initialized successfully"
	MsgStoreTableError    = "Failed to create table: %w"
	MsgStorePragmaError   = "Failed to set pragma %s: %w"
	MsgStoreSetFail       = "Failed to save %s: %v"
	MsgStoreGetFail       = "Failed to load %s: %v"
	MsgStoreDeleteFail    = "Failed to delete %s: %v"
	MsgStoreSweptExpired  = "Swept %d expired snapshot(s)"

	// Bot lifecycle
	MsgBotStarting      = "Starting %s..."
	MsgBotReady         = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown      = "Shutting down %s..."
	MsgBotKillingOld    = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated = "Old instance terminated."
	MsgBotStubbornOld   = "Old process %d is stubborn. Sending SIGKILL..."
	MsgBotKillResistant = "Process %d still exists after SIGKILL"
	MsgBotRegisterFail  = "Command registration failed: %v"
	MsgGenericError     = "%v"
	MsgInitializing     = "Initializing %s..."
	MsgStoreInitFail    = "Failed to initialize snapshot store: %v"
	MsgPIDOpenFail      = "Failed to open PID file: %v"
	MsgPIDLockFail      = "Failed to lock PID file: %v"
	MsgClientCreateFail = "failed to create Discord client after %d attempts: %w"
	MsgClientRetry      = "Failed to create Discord client (attempt %d/5): %v. Retrying in 5s..."
	MsgSkipReg          = "Skipping command registration as requested."
	MsgGatewayFail      = "failed to open gateway: %w"
	MsgDaemonShutdown   = "Shutting down all daemons..."
	MsgPanicFatal       = "\n[FATAL] %s\n"
	BotPIDFile          = ".bot.pid"

	// Command registry
	MsgLoaderSyncCommands   = "Syncing %s commands..."
	MsgLoaderDevStarting    = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered  = "[DEV] Registered: %s"
	MsgLoaderDevFail        = "[DEV] Registration failed: %v"
	MsgLoaderProdStarting   = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered = "[PROD] Registered: %s"
	MsgLoaderProdFail       = "[PROD] Global registration failed: %w"
	MsgLoaderUpToDate       = "[LOADER] Commands are up to date. (Hash: %s)"
	MsgLoaderInvalidGuildID = "invalid GUILD_ID: %w"
	MsgLoaderPanicRecovered = "Panic recovered in handler: %v"
	MsgDaemonStarting       = "Starting..."
)
