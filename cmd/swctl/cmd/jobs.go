package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/stormwater/pkg/api"
	"github.com/psantana5/stormwater/pkg/models"
)

var (
	// Submit flags
	returnPeriod      int
	flowPath          string
	roofs             string
	modelUpdates      []string
	cityPyoUser       string
	subcatchmentsFile string
	waitForResult     bool

	// Status and result flags
	followStatus bool
	pollInterval time.Duration
	resultFile   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a runoff simulation",
	Long: `Submit a scenario for simulation. The answer is either the cached result
or the id of the job computing it.

Subcatchments are fetched from CityPyO for --user unless a GeoJSON file is
given with --subcatchments.`,
	Example: `  swctl submit --return-period 10 --flow-path blockToPark --roofs extensive --user alice
  swctl submit -r 2 --flow-path blockToPark --roofs extensive --update sub1=PARK --subcatchments area.geojson --wait`,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Fetch the result of a succeeded job",
	Long: `Fetch a job's result. The table output summarizes peak runoff per
subcatchment; use --output json or --file for the full GeoJSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultCmd)

	submitCmd.Flags().IntVarP(&returnPeriod, "return-period", "r", 0, "design storm return period in years: 2, 10 or 100 (required)")
	submitCmd.Flags().StringVar(&flowPath, "flow-path", "", "flow path variant (required)")
	submitCmd.Flags().StringVar(&roofs, "roofs", "", "roof variant (required)")
	submitCmd.Flags().StringArrayVar(&modelUpdates, "update", nil, "redirect a subcatchment, as subcatchment=outlet (repeatable)")
	submitCmd.Flags().StringVar(&cityPyoUser, "user", "", "CityPyO user owning the subcatchments layer")
	submitCmd.Flags().StringVar(&subcatchmentsFile, "subcatchments", "", "GeoJSON FeatureCollection file to submit inline")
	submitCmd.Flags().BoolVar(&waitForResult, "wait", false, "wait for the job to finish")
	submitCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval for --wait")
	submitCmd.MarkFlagRequired("return-period")
	submitCmd.MarkFlagRequired("flow-path")
	submitCmd.MarkFlagRequired("roofs")

	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status until completion")
	statusCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval for --follow")

	resultCmd.Flags().BoolVar(&followStatus, "follow", false, "wait for the job to finish first")
	resultCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval for --follow")
	resultCmd.Flags().StringVar(&resultFile, "file", "", "write the full result JSON to this file")
}

// parseUpdates converts subcatchment=outlet pairs
func parseUpdates(pairs []string) ([]models.ModelUpdate, error) {
	updates := make([]models.ModelUpdate, 0, len(pairs))
	for _, p := range pairs {
		sub, outlet, ok := strings.Cut(p, "=")
		sub, outlet = strings.TrimSpace(sub), strings.TrimSpace(outlet)
		if !ok || sub == "" || outlet == "" {
			return nil, fmt.Errorf("invalid update %q, expected subcatchment=outlet", p)
		}
		updates = append(updates, models.ModelUpdate{SubcatchmentID: sub, OutletID: outlet})
	}
	return updates, nil
}

func buildRequest() (*api.TaskRequest, error) {
	updates, err := parseUpdates(modelUpdates)
	if err != nil {
		return nil, err
	}
	req := &api.TaskRequest{
		ScenarioDefinition: models.ScenarioDefinition{
			ReturnPeriod: models.ReturnPeriod(returnPeriod),
			FlowPath:     flowPath,
			Roofs:        roofs,
			ModelUpdates: updates,
		},
		CityPyOUser: cityPyoUser,
	}
	if err := req.ScenarioDefinition.Validate(); err != nil {
		return nil, err
	}

	if subcatchmentsFile != "" {
		data, err := os.ReadFile(subcatchmentsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read subcatchments: %w", err)
		}
		var fc models.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", subcatchmentsFile, err)
		}
		if err := fc.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", subcatchmentsFile, err)
		}
		req.Subcatchments = &fc
	} else if cityPyoUser == "" {
		return nil, errors.New("either --user or --subcatchments is required")
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := buildRequest()
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var raw json.RawMessage
	if _, err := callAPI(http.MethodPost, "/task", bytes.NewReader(body), &raw); err != nil {
		return err
	}

	// Cache hits and queued jobs share the status code
	var cached api.CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if cached.Cached {
		if IsJSONOutput() {
			return printJSON(os.Stdout, cached)
		}
		fmt.Printf("Served from cache (key %s)\n", cached.CacheKey)
		return displayResult(os.Stdout, cached.Result)
	}

	var queued api.SubmitResponse
	if err := json.Unmarshal(raw, &queued); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !waitForResult {
		if IsJSONOutput() {
			return printJSON(os.Stdout, queued)
		}
		fmt.Printf("Job submitted: %s\n", queued.TaskID)
		fmt.Printf("Cache key:     %s\n", queued.CacheKey)
		fmt.Printf("\nFollow it with: swctl status %s --follow\n", queued.TaskID)
		return nil
	}

	task, err := followTask(queued.TaskID, !IsJSONOutput())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(os.Stdout, task)
	}
	if task.TaskState == models.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", task.TaskID, task.Error)
	}
	return displayResult(os.Stdout, task.Result)
}

func fetchTask(id string) (*api.TaskResponse, error) {
	var task api.TaskResponse
	if _, err := callAPI(http.MethodGet, "/tasks/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// followTask polls until the job is terminal, printing state changes if
// verbose
func followTask(id string, verbose bool) (*api.TaskResponse, error) {
	var last models.JobStatus
	for {
		task, err := fetchTask(id)
		if err != nil {
			return nil, err
		}
		if verbose && task.TaskState != last {
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), task.TaskState)
			last = task.TaskState
		}
		if task.ResultReady {
			return task, nil
		}
		time.Sleep(pollInterval)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	var (
		task *api.TaskResponse
		err  error
	)
	if followStatus {
		task, err = followTask(args[0], !IsJSONOutput())
	} else {
		task, err = fetchTask(args[0])
	}
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		// The result can be large; status only reports state
		task.Result = nil
		return printJSON(os.Stdout, task)
	}
	displayTask(os.Stdout, task)
	return nil
}

func displayTask(w io.Writer, task *api.TaskResponse) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Job ID", task.TaskID)
	table.Append("State", string(task.TaskState))
	table.Append("Result Ready", fmt.Sprintf("%t", task.ResultReady))
	if task.Error != "" {
		table.Append("Error", task.Error)
	}
	table.Render()
}

func runResult(cmd *cobra.Command, args []string) error {
	id := args[0]
	if followStatus {
		if _, err := followTask(id, false); err != nil {
			return err
		}
	}

	var body struct {
		Result *models.SimulationResult `json:"result"`
	}
	if _, err := callAPI(http.MethodGet, "/stormwater/jobs/"+id+"/results", nil, &body); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return fmt.Errorf("job %s has no result yet (use --follow to wait): %w", id, err)
		}
		return err
	}

	if resultFile != "" {
		f, err := os.Create(resultFile)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", resultFile, err)
		}
		defer f.Close()
		if err := printJSON(f, body.Result); err != nil {
			return fmt.Errorf("failed to write %s: %w", resultFile, err)
		}
		fmt.Printf("Result written to %s\n", resultFile)
	}
	if IsJSONOutput() {
		return printJSON(os.Stdout, body.Result)
	}
	return displayResult(os.Stdout, body.Result)
}

// featureSummary is the peak runoff of one subcatchment
type featureSummary struct {
	Name     string
	Peak     float64
	PeakTime int
	Steps    int
}

// summarize extracts the runoff series merged into each feature.
// Features without simulation output are skipped.
func summarize(result *models.SimulationResult) []featureSummary {
	if result == nil {
		return nil
	}
	summaries := make([]featureSummary, 0, len(result.GeoJSON.Features))
	for _, f := range result.GeoJSON.Features {
		raw, ok := f.Properties[models.RunoffResultsProperty]
		if !ok {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var series models.RunoffSeries
		if err := json.Unmarshal(data, &series); err != nil {
			continue
		}

		s := featureSummary{Name: f.Name(), Steps: len(series.Values)}
		for i, v := range series.Values {
			if i == 0 || v > s.Peak {
				s.Peak = v
				if i < len(series.Timestamps) {
					s.PeakTime = series.Timestamps[i]
				}
			}
		}
		summaries = append(summaries, s)
	}
	return summaries
}

func displayResult(w io.Writer, result *models.SimulationResult) error {
	if result == nil {
		return errors.New("response carried no result")
	}

	total := 0.0
	for _, v := range result.Rain {
		total += v
	}
	fmt.Fprintf(w, "Rain: %d steps, %.3f total\n", len(result.Rain), total)

	table := tablewriter.NewWriter(w)
	table.Header("Subcatchment", "Peak Runoff", "Peak At (min)", "Steps")
	for _, s := range summarize(result) {
		table.Append(s.Name, fmt.Sprintf("%.4f", s.Peak), fmt.Sprintf("%d", s.PeakTime), fmt.Sprintf("%d", s.Steps))
	}
	table.Render()
	return nil
}
