package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/driftwatch/internal/config"
)

// Response shapes the CLI reads back from the API.
type (
	sourceResult struct {
		Source struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"source"`
		VersionID string `json:"version_id"`
		Chunks    int    `json:"chunks"`
		Quality   string `json:"quality"`
	}

	replaceResult struct {
		SourceID     string `json:"source_id"`
		Changed      bool   `json:"changed"`
		NewVersionID string `json:"new_version_id"`
		Chunks       int    `json:"chunks"`
	}

	healthResult struct {
		Score   int    `json:"score"`
		Status  string `json:"status"`
		Factors struct {
			SourceDrift      float64 `json:"source_drift"`
			EvidenceCoverage float64 `json:"evidence_coverage"`
			QAPassRate       float64 `json:"qa_pass_rate"`
			DeliveryFeedback float64 `json:"delivery_feedback"`
			SourceAge        float64 `json:"source_age"`
		} `json:"factors"`
		ComputedAt *string `json:"computed_at"`
	}

	impactResult struct {
		ID                   string   `json:"id"`
		SourceID             string   `json:"source_id"`
		AffectedStoryIDs     []string `json:"affected_story_ids"`
		AffectedCriterionIDs []string `json:"affected_criterion_ids"`
		Severity             string   `json:"severity"`
		Summary              *string  `json:"summary"`
		AcknowledgedBy       string   `json:"acknowledged_by"`
	}

	conflictResult struct {
		ID         string  `json:"id"`
		ChunkAID   string  `json:"chunk_a_id"`
		ChunkBID   string  `json:"chunk_b_id"`
		Summary    string  `json:"summary"`
		Confidence float64 `json:"confidence"`
	}

	notificationResult struct {
		ID     string  `json:"id"`
		Title  string  `json:"title"`
		Body   string  `json:"body"`
		Link   string  `json:"link"`
		ReadAt *string `json:"read_at"`
	}

	hitResult struct {
		ChunkID  string  `json:"chunk_id"`
		SourceID string  `json:"source_id"`
		Content  string  `json:"content"`
		Score    float64 `json:"score"`
	}
)

// documentTypes are sent as raw bytes for server-side extraction; anything
// else is read as plain text.
var documentTypes = map[string]bool{".pdf": true, ".html": true, ".htm": true}

// contentBody builds the content or document half of an ingest or replace
// request from --text or --file.
func contentBody(text, file string) (map[string]any, string, error) {
	if (text == "") == (file == "") {
		return nil, "", fmt.Errorf("exactly one of --text or --file is required")
	}
	if text != "" {
		return map[string]any{"content": text}, "", nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(file))
	if documentTypes[ext] {
		return map[string]any{
			"document":     base64.StdEncoding.EncodeToString(data),
			"content_type": mime.TypeByExtension(ext),
		}, filepath.Base(file), nil
	}
	return map[string]any{"content": string(data)}, filepath.Base(file), nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add an evidence source to a project",
	Long: `Add an evidence source to a project.

Examples:
  driftwatch ingest --project billing --file ./meeting-notes.md --kind transcript
  driftwatch ingest --project billing --file ./runbook.pdf
  driftwatch ingest --project billing --text "Exports run nightly at 02:00." --title "Slack thread"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		kind, _ := cmd.Flags().GetString("kind")
		title, _ := cmd.Flags().GetString("title")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if project == "" {
			return fmt.Errorf("--project is required")
		}
		req, defaultTitle, err := contentBody(text, file)
		if err != nil {
			return err
		}
		if title == "" {
			title = defaultTitle
		}
		req["project_id"] = project
		req["kind"] = kind
		req["title"] = title

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sources", req)
		if err != nil {
			return err
		}
		var out sourceResult
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		printSuccess("Ingested source %s (%d chunks)", out.Source.ID, out.Chunks)
		if out.Quality == "low" {
			printWarning("Extraction quality is low; check the source renders as text")
		}
		writeLine(cmd.OutOrStdout(), "%s", out.Source.ID)
		return nil
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace <source-id>",
	Short: "Replace a source's content and propagate the change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		req, _, err := contentBody(text, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/sources/"+url.PathEscape(args[0])+"/content", req)
		if err != nil {
			return err
		}
		var out replaceResult
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if !out.Changed {
			printWarning("Content unchanged; nothing to propagate")
			return nil
		}
		printSuccess("Source %s now at version %s (%d chunks)", out.SourceID, out.NewVersionID, out.Chunks)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("project", "", "project ID")
	ingestCmd.Flags().String("kind", "document", "source kind: document, email or transcript")
	ingestCmd.Flags().String("title", "", "source title (default: file name)")
	ingestCmd.Flags().String("text", "", "inline text content")
	ingestCmd.Flags().String("file", "", "file to ingest")

	replaceCmd.Flags().String("text", "", "inline text content")
	replaceCmd.Flags().String("file", "", "file with the new content")
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health <pack-id>",
	Short: "Show a pack's health score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recompute, _ := cmd.Flags().GetBool("recompute")
		history, _ := cmd.Flags().GetInt("history")
		pack := url.PathEscape(args[0])

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if recompute {
			resp, err := client.post(cmd.Context(), "/packs/"+pack+"/health/recompute", nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Recompute queued for %s", args[0])
		}

		resp, err := client.get(cmd.Context(), "/packs/"+pack+"/health")
		if err != nil {
			return err
		}
		var h healthResult
		if err := decodeJSON(resp, &h); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		writeLine(w, "%s  %d  %s", args[0], h.Score, label(h.Status))
		writeLine(w, "  source drift       %5.1f", h.Factors.SourceDrift)
		writeLine(w, "  evidence coverage  %5.1f", h.Factors.EvidenceCoverage)
		writeLine(w, "  qa pass rate       %5.1f", h.Factors.QAPassRate)
		writeLine(w, "  delivery feedback  %5.1f", h.Factors.DeliveryFeedback)
		writeLine(w, "  source age         %5.1f", h.Factors.SourceAge)
		if h.ComputedAt == nil {
			writeLine(w, "  (never scored)")
		}

		if history <= 0 {
			return nil
		}
		resp, err = client.get(cmd.Context(), fmt.Sprintf("/packs/%s/health/history?limit=%d", pack, history))
		if err != nil {
			return err
		}
		var hist struct {
			History []healthResult `json:"history"`
		}
		if err := decodeJSON(resp, &hist); err != nil {
			return err
		}
		for _, s := range hist.History {
			at := ""
			if s.ComputedAt != nil {
				at = *s.ComputedAt
			}
			writeLine(w, "  %s  %3d  %s", at, s.Score, label(s.Status))
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().Bool("recompute", false, "queue a recompute before reading")
	healthCmd.Flags().Int("history", 0, "also show this many past snapshots")
}

// --- impacts ---

var impactsCmd = &cobra.Command{
	Use:   "impacts <pack-id>",
	Short: "List change impacts recorded against a pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/packs/%s/impacts?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}
		var out struct {
			Impacts []impactResult `json:"impacts"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(out.Impacts) == 0 {
			writeLine(w, "No impacts.")
			return nil
		}
		for _, ci := range out.Impacts {
			summary := "(summary pending)"
			if ci.Summary != nil {
				summary = *ci.Summary
			}
			ack := ""
			if ci.AcknowledgedBy != "" {
				ack = " ack:" + ci.AcknowledgedBy
			}
			writeLine(w, "%s  %-8s  %d stories, %d criteria  %s%s",
				ci.ID, label(ci.Severity), len(ci.AffectedStoryIDs), len(ci.AffectedCriterionIDs), truncate(summary, 80), ack)
		}
		return nil
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <impact-id>",
	Short: "Acknowledge a change impact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			return fmt.Errorf("--user is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/impacts/"+url.PathEscape(args[0])+"/ack", map[string]string{"user_id": user})
		if err != nil {
			return err
		}
		var ci impactResult
		if err := decodeJSON(resp, &ci); err != nil {
			return err
		}
		printSuccess("Impact %s acknowledged by %s", ci.ID, ci.AcknowledgedBy)
		return nil
	},
}

func init() {
	impactsCmd.Flags().Int("limit", 20, "maximum number of impacts")
	ackCmd.Flags().String("user", os.Getenv("USER"), "acknowledging user ID")
}

// --- conflicts ---

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <project-id>",
	Short: "List contradictions between a project's sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/conflicts")
		if err != nil {
			return err
		}
		var out struct {
			Conflicts []conflictResult `json:"conflicts"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(out.Conflicts) == 0 {
			writeLine(w, "No conflicts.")
			return nil
		}
		for _, c := range out.Conflicts {
			writeLine(w, "%s  %.2f  %s <> %s  %s", c.ID, c.Confidence, c.ChunkAID, c.ChunkBID, truncate(c.Summary, 80))
		}
		return nil
	},
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications <user-id>",
	Short: "List a user's notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unread, _ := cmd.Flags().GetBool("unread")
		markRead, _ := cmd.Flags().GetBool("mark-read")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/users/" + url.PathEscape(args[0]) + "/notifications"
		if unread {
			path += "?unread=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out struct {
			Notifications []notificationResult `json:"notifications"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(out.Notifications) == 0 {
			writeLine(w, "No notifications.")
			return nil
		}
		for _, n := range out.Notifications {
			marker := "*"
			if n.ReadAt != nil {
				marker = " "
			}
			writeLine(w, "%s %s  %s", marker, colorize(colorBold, n.Title), n.Link)
			if n.Body != "" {
				writeLine(w, "    %s", truncate(n.Body, 100))
			}
			if markRead && n.ReadAt == nil {
				resp, err := client.post(cmd.Context(), "/notifications/"+url.PathEscape(n.ID)+"/read", nil)
				if err != nil {
					return err
				}
				if err := decodeJSON(resp, nil); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

func init() {
	notificationsCmd.Flags().Bool("unread", false, "only unread notifications")
	notificationsCmd.Flags().Bool("mark-read", false, "mark listed notifications as read")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <project-id> <query>",
	Short: "Semantically search a project's evidence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {args[1]}, "top_k": {fmt.Sprint(limit)}}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/search?"+q.Encode())
		if err != nil {
			return err
		}
		var out struct {
			Hits []hitResult `json:"hits"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, h := range out.Hits {
			writeLine(w, "%.3f  %s  %s", h.Score, h.ChunkID, truncate(h.Content, 90))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			writeLine(cmd.OutOrStdout(), "  %s = %s", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
