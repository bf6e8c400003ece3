package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meetscribe/asr"
	"meetscribe/mic"
	"meetscribe/session"
	"meetscribe/store"
	"meetscribe/tui"
	"meetscribe/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	recordCmd.Flags().StringP("title", "t", "", "Meeting title")
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(removeCmd)

	// Add persistent flags
	rootCmd.PersistentFlags().
		String("server", "http://localhost:8080", "Transcription server URL")
	rootCmd.PersistentFlags().String("language", "", "Transcription language code")
	rootCmd.PersistentFlags().
		Int("stop-grace-ms", 1500, "How long to wait for the server after stop")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	rootCmd.PersistentFlags().String("engine-url", "", "Recognition engine websocket URL")
	rootCmd.PersistentFlags().String("engine-api-key", "", "Recognition engine API key")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	// Bind flags to viper
	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("language", rootCmd.PersistentFlags().Lookup("language"))
	viper.BindPFlag(
		"stop_grace_ms",
		rootCmd.PersistentFlags().Lookup("stop-grace-ms"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag(
		"database_url",
		rootCmd.PersistentFlags().Lookup("database-url"),
	)
	viper.BindPFlag("engine_url", rootCmd.PersistentFlags().Lookup("engine-url"))
	viper.BindPFlag(
		"engine_api_key",
		rootCmd.PersistentFlags().Lookup("engine-api-key"),
	)
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "meetscribe",
	Short: "Meetscribe records meetings and transcribes them in real time",
	Long:  `Meetscribe captures microphone audio, streams it to a transcription server, and archives the recording alongside the committed transcript.`,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a meeting with a live transcript",
	Run:   runRecord,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription server",
	Run:   runServe,
}

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recorded meetings",
	Run:   runList,
}

var showCmd = &cobra.Command{
	Use:   "show <meetingID>",
	Short: "Print a meeting transcript",
	Args:  cobra.ExactArgs(1),
	Run:   runShow,
}

var exportCmd = &cobra.Command{
	Use:   "export <meetingID> [file]",
	Short: "Download a meeting recording as an Ogg Opus file",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runExport,
}

var removeCmd = &cobra.Command{
	Use:   "rm <meetingID>",
	Short: "Delete a meeting and its recording",
	Args:  cobra.ExactArgs(1),
	Run:   runRemove,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRecord(cmd *cobra.Command, _ []string) {
	mainLogger, micLogger, sessLogger, _ := createLoggers()

	serverURL := viper.GetString("server_url")
	grace := time.Duration(viper.GetInt("stop_grace_ms")) * time.Millisecond
	title, _ := cmd.Flags().GetString("title")

	openCapture := func() (session.Capture, error) {
		return mic.Open(micLogger)
	}
	dial := func(ctx context.Context, serverURL string, opts session.StartOptions) (session.Protocol, error) {
		return session.Dial(ctx, serverURL, opts, sessLogger)
	}
	uploader := session.NewHTTPUploader(serverURL, sessLogger)
	ctrl := session.NewController(
		serverURL,
		openCapture,
		dial,
		uploader,
		grace,
		sessLogger,
	)

	client, err := ctrl.Start(context.Background(), session.StartOptions{
		Title:    title,
		Language: viper.GetString("language"),
	})
	if err != nil {
		mainLogger.Fatal("start recording", "error", err.Error())
	}

	p := tea.NewProgram(
		tui.NewModel(client.Events()),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		mainLogger.Error("live view", "error", err.Error())
	}

	if err := ctrl.Stop(context.Background()); err != nil {
		mainLogger.Error("stop recording", "error", err.Error())
	}

	if id := client.MeetingID(); id != "" {
		fmt.Printf("Meeting %s\n\n", id)
	}
	if text := client.Transcript().Text(); text != "" {
		fmt.Println(text)
	}
}

func runServe(_ *cobra.Command, _ []string) {
	mainLogger, _, _, httpLogger := createLoggers()

	var st web.Store
	if databaseURL := viper.GetString("database_url"); databaseURL != "" {
		pg, err := store.OpenPostgres(context.Background(), databaseURL)
		if err != nil {
			mainLogger.Fatal("open database", "error", err.Error())
		}
		defer pg.Close()
		st = pg
	} else {
		mainLogger.Warn("no database_url set, meetings are kept in memory")
		st = store.NewMemory()
	}

	engineURL := viper.GetString("engine_url")
	if engineURL == "" {
		mainLogger.Fatal("engine_url is required to run the server")
	}
	engine := asr.NewScribeClient(
		engineURL,
		viper.GetString("engine_api_key"),
		httpLogger,
	)

	srv := web.NewServer(st, engine, httpLogger)
	if err := srv.Serve(viper.GetInt("http_port")); err != nil {
		mainLogger.Fatal("http server", "error", err.Error())
	}
}

func runList(_ *cobra.Command, _ []string) {
	mainLogger, _, _, _ := createLoggers()

	var meetings []store.Meeting
	if err := apiGet("/api/meetings", &meetings); err != nil {
		mainLogger.Fatal("fetch meetings", "error", err.Error())
	}

	if len(meetings) == 0 {
		fmt.Println("No meetings found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created At", "Title", "Status", "Duration", "Segments"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, m := range meetings {
		table.Append([]string{
			m.ID,
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			m.Title,
			m.Status,
			fmt.Sprintf("%ds", m.DurationSeconds),
			fmt.Sprintf("%d", m.SegmentCount),
		})
	}

	table.Render()
}

func runShow(_ *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	var detail struct {
		store.Meeting
		Segments []store.Segment `json:"segments"`
	}
	if err := apiGet("/api/meetings/"+args[0], &detail); err != nil {
		mainLogger.Fatal("fetch meeting", "error", err.Error())
	}

	fmt.Printf("%s (%s, %s)\n\n", detail.Title, detail.ID, detail.Status)
	for _, seg := range detail.Segments {
		fmt.Printf("[%s] %s\n", seg.CommittedAt.Local().Format("15:04:05"), seg.Text)
	}
}

func runExport(_ *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	path := args[0] + ".ogg"
	if len(args) > 1 {
		path = args[1]
	}

	resp, err := http.Get(viper.GetString("server_url") + "/api/meetings/" + args[0] + "/audio")
	if err != nil {
		mainLogger.Fatal("fetch recording", "error", err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		mainLogger.Fatal("fetch recording", "status", resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		mainLogger.Fatal("create file", "error", err.Error())
	}
	defer out.Close()
	n, err := out.ReadFrom(resp.Body)
	if err != nil {
		mainLogger.Fatal("write file", "error", err.Error())
	}

	fmt.Printf("Wrote %d bytes to %s\n", n, path)
}

func runRemove(_ *cobra.Command, args []string) {
	mainLogger, _, _, _ := createLoggers()

	req, err := http.NewRequest(
		http.MethodDelete,
		viper.GetString("server_url")+"/api/meetings/"+args[0],
		nil,
	)
	if err != nil {
		mainLogger.Fatal("build request", "error", err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		mainLogger.Fatal("delete meeting", "error", err.Error())
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		mainLogger.Fatal("delete meeting", "status", resp.Status)
	}

	fmt.Printf("Deleted %s\n", args[0])
}

func apiGet(path string, v any) error {
	resp, err := http.Get(viper.GetString("server_url") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func createLoggers() (mainLogger, micLogger, sessLogger, httpLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	micLogger = logger.With().WithPrefix("mic")
	sessLogger = logger.With().WithPrefix("sess")
	httpLogger = logger.With().WithPrefix("http")

	return
}
