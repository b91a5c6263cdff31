package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/enrichment"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/evaluation"
)

const (
	// attachmentPreviewLimit caps the text kept per attachment.
	attachmentPreviewLimit = 500

	// TagAgency marks every task this service creates.
	TagAgency = "agency-ai"
	// TagNeedsReview marks escalation tasks.
	TagNeedsReview = "needs-review"

	// DefinitionOfDoneChecklist names the checklist created from the plan.
	DefinitionOfDoneChecklist = "Definition of Done"
)

// =============================================================================
// VALIDATING
// =============================================================================

// validate screens the request, then gathers the static context and
// classifies. An invalid request stops after screening.
func (r *PipelineRunner) validate(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	validation, err := r.Validator.Validate(ctx, rc.ClientID, rc.RequestText)
	if err != nil {
		return fmt.Errorf("input validation: %w", err)
	}
	rc.Validation = validation
	rc.SetLog("input_validation", validation.ToMap())

	checks := evaluation.LightweightChecks(rc.RequestText, "")
	evaluation.RecordChecks(checks)
	rc.SetLog("input_heuristics", checks)

	if !validation.Valid {
		rc.AddHistory("Input validation failed (%s): %s", validation.Category, validation.Reason)
		logger.Info("input_rejected",
			"category", string(validation.Category),
			"reason", validation.Reason,
		)
		return nil
	}
	rc.AddHistory("Input validation passed (score %.2f)", validation.Score)

	if rc.CategoryHint != "" {
		rc.ClientContext["Requested Category"] = rc.CategoryHint
	}
	r.loadClientContext(ctx, rc, logger)
	r.loadAttachments(ctx, rc, logger)
	r.loadWebsite(ctx, rc, logger)

	return r.classify(ctx, rc, logger)
}

// loadClientContext looks up the client's task in the site parameters list
// by name and flattens its custom fields into the client context.
func (r *PipelineRunner) loadClientContext(ctx context.Context, rc *envelope.RequestContext, logger Logger) {
	if r.Tracker == nil {
		return
	}
	tasks, err := r.Tracker.GetTasks(ctx, r.Policy.SiteParametersListID)
	if err != nil {
		rc.RecordError(envelope.StageValidating, err)
		rc.AddHistory("Could not load client context: %v", err)
		logger.Warn("client_context_failed", "error", err.Error())
		return
	}

	var taskID string
	for _, t := range tasks {
		if strings.EqualFold(strings.TrimSpace(t.Name), rc.ClientID) {
			taskID = t.ID
			break
		}
	}
	if taskID == "" {
		rc.ClientContext["Note"] = "No client profile found in site parameters."
		rc.AddHistory("Could not find Client Task '%s' in Site Parameters", rc.ClientID)
		return
	}

	task, err := r.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		rc.RecordError(envelope.StageValidating, err)
		rc.AddHistory("Could not load client context: %v", err)
		logger.Warn("client_context_failed", "task_id", taskID, "error", err.Error())
		return
	}
	for name, value := range task.CustomFields {
		if value == nil || value == "" {
			continue
		}
		rc.ClientContext[name] = value
	}
	rc.ClientContext["Client Name"] = task.Name
	rc.AddHistory("Loaded client context from task %s (%d fields)", taskID, len(task.CustomFields))
}

// loadAttachments downloads every attachment and keeps a text preview.
func (r *PipelineRunner) loadAttachments(ctx context.Context, rc *envelope.RequestContext, logger Logger) {
	if len(rc.AttachmentIDs) == 0 {
		return
	}
	if r.Storage == nil {
		rc.AddHistory("File storage not configured; %d attachments skipped", len(rc.AttachmentIDs))
		return
	}

	files := make([]agents.FileSummary, 0, len(rc.AttachmentIDs))
	for _, id := range rc.AttachmentIDs {
		files = append(files, r.summarizeAttachment(ctx, id, logger))
	}
	rc.Files = files

	readable := 0
	for _, f := range files {
		if f.Error == "" {
			readable++
		}
	}
	rc.AddHistory("Processed %d/%d attachments", readable, len(files))
}

func (r *PipelineRunner) summarizeAttachment(ctx context.Context, id string, logger Logger) agents.FileSummary {
	meta, err := r.Storage.GetMetadata(ctx, id)
	if err != nil {
		logger.Warn("attachment_failed", "file_id", id, "error", err.Error())
		return agents.FileSummary{Filename: id, Error: err.Error()}
	}
	if meta == nil {
		return agents.FileSummary{Filename: id, Error: "file not found"}
	}
	summary := agents.FileSummary{Filename: meta.Name, Type: meta.MimeType}

	data, err := r.Storage.Download(ctx, id)
	switch {
	case err != nil:
		logger.Warn("attachment_failed", "file_id", id, "error", err.Error())
		summary.Error = err.Error()
	case data == nil:
		summary.Error = "file not found"
	case isTextual(meta.MimeType) && utf8.Valid(data):
		summary.ExtractedContent = preview(string(data), attachmentPreviewLimit)
	default:
		summary.ExtractedContent = fmt.Sprintf("[%s attachment, %d bytes]", meta.MimeType, len(data))
	}
	return summary
}

func isTextual(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	return strings.HasPrefix(mimeType, "text/") ||
		strings.Contains(mimeType, "json") ||
		strings.Contains(mimeType, "xml") ||
		strings.Contains(mimeType, "csv")
}

// loadWebsite fetches the client's site for classification context.
func (r *PipelineRunner) loadWebsite(ctx context.Context, rc *envelope.RequestContext, logger Logger) {
	if r.Web == nil || rc.WebsiteURL == "" {
		return
	}
	page, err := r.Web.Fetch(ctx, rc.WebsiteURL)
	if err != nil {
		rc.AddHistory("Website fetch failed for %s", rc.WebsiteURL)
		logger.Warn("website_fetch_failed", "url", rc.WebsiteURL, "error", err.Error())
		return
	}

	var b strings.Builder
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	if page.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", page.Description)
	}
	if page.StructureSummary != "" {
		fmt.Fprintf(&b, "Structure: %s\n", page.StructureSummary)
	}
	if len(page.DetectedSections) > 0 {
		fmt.Fprintf(&b, "Sections: %s\n", strings.Join(page.DetectedSections, ", "))
	}
	rc.WebsiteContent = strings.TrimSpace(b.String())
	rc.AddHistory("Fetched website %s", rc.WebsiteURL)
}

// classify (re)classifies the request with everything gathered so far.
func (r *PipelineRunner) classify(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	classification, err := r.Classifier.Classify(ctx, agents.ClassifyInput{
		Request:        rc.RequestText,
		ClientContext:  rc.ClientContext,
		Files:          rc.Files,
		WebsiteContent: rc.WebsiteContent,
		Gathered:       rc.GatheredAnswers(),
	})
	if err != nil {
		return fmt.Errorf("classification: %w", err)
	}
	rc.Classification = classification
	rc.SetLog("classification", classification.ToMap())

	if classification.Complete {
		rc.AddHistory("Classified as %s (complete)", classification.PrimaryCategory)
	} else {
		rc.AddHistory("Classified as %s (%d open questions)", classification.PrimaryCategory, len(classification.Missing))
	}
	logger.Debug("request_classified",
		"category", string(classification.PrimaryCategory),
		"complete", classification.Complete,
		"missing", len(classification.Missing),
		"confidence", classification.Confidence,
	)
	return nil
}

// =============================================================================
// ENRICHING
// =============================================================================

// enrich runs one enrichment iteration, folds the answers into the client
// context and reclassifies.
func (r *PipelineRunner) enrich(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	before := append([]string(nil), rc.Missing()...)
	iteration := rc.EnrichmentIterations() + 1

	result, err := r.Enricher.Gather(ctx, enrichment.Input{
		Missing:       before,
		Request:       rc.RequestText,
		StaticContext: rc.ClientContext,
		WebsiteURL:    rc.WebsiteURL,
	}, rc.Ledger, iteration)
	if err != nil {
		return fmt.Errorf("enrichment: %w", err)
	}

	rc.RecordEnrichment(before, result)
	rc.SetLog(fmt.Sprintf("enrichment_%d", iteration), result.ToMap())
	rc.SetLog("tool_usage", rc.Ledger.ToMap())
	if dynamic := result.ToDynamicContext(); len(dynamic) > 0 {
		gathered, _ := rc.ClientContext["Gathered Information"].(map[string]any)
		if gathered == nil {
			gathered = make(map[string]any)
		}
		for k, v := range dynamic {
			gathered[k] = v
		}
		rc.ClientContext["Gathered Information"] = gathered
	}
	rc.AddHistory("Enrichment iteration %d: answered %d/%d (confidence %.2f)",
		iteration, result.Answered, result.Total, result.Confidence)

	r.publish(ctx, logger, &commbus.EnrichmentCompleted{
		RequestID:  rc.RequestID,
		Iteration:  iteration,
		Answered:   result.Answered,
		Total:      result.Total,
		Confidence: result.Confidence,
		ToolsUsed:  result.ToolsUsed,
		Errors:     result.Errors,
	})

	return r.classify(ctx, rc, logger)
}

// =============================================================================
// GENERATING
// =============================================================================

// generate produces the next plan version. The previous critique, if any,
// is passed along so the architect only fixes what failed.
func (r *PipelineRunner) generate(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	rc.Iteration++

	plan, err := r.Architect.Generate(ctx, agents.ArchitectInput{
		Request:       rc.RequestText,
		ClientContext: r.generationContext(rc),
		Critique:      rc.Critique,
	})
	if err != nil {
		if !errors.Is(err, agents.ErrParse) {
			return fmt.Errorf("generation: %w", err)
		}
		rc.RecordError(envelope.StageGenerating, err)
		rc.AddHistory("Plan v%d could not be parsed", rc.Iteration)
		logger.Warn("plan_unparseable", "iteration", rc.Iteration, "error", err.Error())
	}
	if plan == nil {
		plan = &agents.TaskPlan{}
	}
	rc.Plan = plan
	rc.SetLog(fmt.Sprintf("plan_v%d", rc.Iteration), plan.ToMap())
	if !plan.IsEmpty() {
		rc.AddHistory("Generated plan v%d: %s", rc.Iteration, plan.TaskName)
	}
	return nil
}

func (r *PipelineRunner) generationContext(rc *envelope.RequestContext) map[string]any {
	out := make(map[string]any, len(rc.ClientContext)+4)
	for k, v := range rc.ClientContext {
		out[k] = v
	}
	out["Website"] = rc.WebsiteURL
	if rc.WebsiteContent != "" {
		out["Website Summary"] = rc.WebsiteContent
	}
	if rc.Classification != nil {
		out["Category"] = string(rc.Classification.PrimaryCategory)
	}
	if len(rc.Files) > 0 {
		files := make([]map[string]any, 0, len(rc.Files))
		for _, f := range rc.Files {
			files = append(files, map[string]any{
				"filename": f.Filename,
				"type":     f.Type,
				"content":  f.ExtractedContent,
			})
		}
		out["Attachments"] = files
	}
	return out
}

// =============================================================================
// EVALUATING
// =============================================================================

// evaluate runs the gate on the current plan and prepares the critique for
// a revision.
func (r *PipelineRunner) evaluate(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	artifact := ""
	if rc.Plan != nil {
		artifact = rc.Plan.DescriptionMarkdown
	}

	evalCtx := map[string]any{
		"client_id": rc.ClientID,
		"iteration": rc.Iteration,
	}
	if rc.Classification != nil {
		evalCtx["category"] = string(rc.Classification.PrimaryCategory)
	}

	result, err := r.Gate.Evaluate(ctx, rc.RequestText, artifact, evalCtx)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	rc.RecordEvaluation(result)
	rc.SetLog(fmt.Sprintf("evaluation_v%d", rc.Iteration), result.ToMap())

	checks := evaluation.LightweightChecks(rc.RequestText, artifact)
	evaluation.RecordChecks(checks)
	rc.SetLog(fmt.Sprintf("heuristics_v%d", rc.Iteration), checks)

	if result.Verdict == evaluation.VerdictApprove {
		rc.Critique = ""
	} else {
		rc.Critique = evaluation.FormatFeedback(result)
	}
	rc.AddHistory("QA verdict v%d: %s (%d/%d criteria passed)",
		rc.Iteration, result.Verdict, result.TotalPassed(), result.TotalCriteria())

	fixed := 0
	if prev := rc.PreviousEvaluation(); prev != nil {
		delta := evaluation.ComputeDelta(prev, result)
		fixed = len(delta.Fixed)
		rc.SetLog(fmt.Sprintf("delta_v%d", rc.Iteration), delta.Format(rc.Iteration))
		rc.AddHistory("Revision v%d fixed %d and regressed %d criteria", rc.Iteration, len(delta.Fixed), len(delta.Regressed))
		if delta.NoProgress() {
			logger.Warn("revision_no_progress",
				"iteration", rc.Iteration,
				"criteria_passed", result.TotalPassed(),
			)
		}
	}

	r.publish(ctx, logger, &commbus.EvaluationCompleted{
		RequestID:      rc.RequestID,
		Iteration:      rc.Iteration,
		Verdict:        string(result.Verdict),
		CriteriaPassed: result.TotalPassed(),
		CriteriaTotal:  result.TotalCriteria(),
		FixedCriteria:  fixed,
	})
	return nil
}

// =============================================================================
// FINALIZING
// =============================================================================

// finalize pushes the approved plan to the tracker. Tracker failures are
// recorded and do not fail the request.
func (r *PipelineRunner) finalize(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	defer rc.Terminate(envelope.OutcomeFinalized, envelope.TerminalReasonCompletedSuccessfully, "")

	if r.Tracker == nil {
		rc.AddHistory("Task tracker not configured; plan not pushed")
		r.publishFinalized(ctx, rc, logger)
		return nil
	}

	plan := rc.Plan
	if plan == nil {
		plan = &agents.TaskPlan{}
	}
	ref, err := r.Tracker.CreateTask(ctx, commbus.CreateTaskRequest{
		ListID:      r.Policy.ProjectListID,
		Name:        TaskTitle(rc.ClientID, plan.TaskName),
		Description: taskDescription(plan),
		Tags:        ensureTag(plan.Tags, TagAgency),
		Priority:    rc.Priority.TrackerPriority(),
	})
	if err != nil {
		rc.RecordError(envelope.StageFinalizing, err)
		rc.AddHistory("Failed to push to tracker: %v", err)
		logger.Error("tracker_push_failed", "error", err.Error())
		r.publishFinalized(ctx, rc, logger)
		return nil
	}
	rc.Task = ref

	if len(plan.Checklist) > 0 {
		r.addChecklist(ctx, rc, ref.ID, plan.Checklist, logger)
	}
	r.uploadAttachments(ctx, rc, ref.ID, logger)

	rc.SetLog("tracker_task", map[string]any{"id": ref.ID, "url": ref.URL})
	rc.AddHistory("Pushed to tracker: %s", ref.URL)
	r.publishFinalized(ctx, rc, logger)
	return nil
}

func (r *PipelineRunner) publishFinalized(ctx context.Context, rc *envelope.RequestContext, logger Logger) {
	event := &commbus.RequestFinalized{RequestID: rc.RequestID, ClientID: rc.ClientID}
	if rc.Task != nil {
		event.TaskID = rc.Task.ID
		event.TaskURL = rc.Task.URL
	}
	r.publish(ctx, logger, event)
}

func (r *PipelineRunner) addChecklist(ctx context.Context, rc *envelope.RequestContext, taskID string, items []string, logger Logger) {
	checklistID, err := r.Tracker.CreateChecklist(ctx, taskID, DefinitionOfDoneChecklist)
	if err != nil {
		rc.RecordError(envelope.StageFinalizing, err)
		logger.Warn("checklist_failed", "task_id", taskID, "error", err.Error())
		return
	}
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		if err := r.Tracker.AddChecklistItem(ctx, checklistID, item); err != nil {
			rc.RecordError(envelope.StageFinalizing, err)
			logger.Warn("checklist_item_failed", "task_id", taskID, "error", err.Error())
		}
	}
}

func (r *PipelineRunner) uploadAttachments(ctx context.Context, rc *envelope.RequestContext, taskID string, logger Logger) {
	if r.Storage == nil || len(rc.AttachmentIDs) == 0 {
		return
	}
	uploaded := 0
	for _, id := range rc.AttachmentIDs {
		meta, err := r.Storage.GetMetadata(ctx, id)
		if err != nil || meta == nil {
			continue
		}
		data, err := r.Storage.Download(ctx, id)
		if err != nil || data == nil {
			continue
		}
		if err := r.Tracker.UploadAttachment(ctx, taskID, data, meta.Name, meta.MimeType); err != nil {
			rc.RecordError(envelope.StageFinalizing, err)
			logger.Warn("attachment_upload_failed", "file_id", id, "error", err.Error())
			continue
		}
		uploaded++
	}
	rc.AddHistory("Uploaded %d/%d attachments", uploaded, len(rc.AttachmentIDs))
}

// TaskTitle prefixes title with the client id unless it already carries a
// bracketed prefix.
func TaskTitle(clientID, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Website change request"
	}
	if strings.HasPrefix(title, "[") {
		return title
	}
	return fmt.Sprintf("[%s] %s", clientID, title)
}

func taskDescription(plan *agents.TaskPlan) string {
	desc := plan.DescriptionMarkdown
	if code := strings.TrimSpace(plan.MermaidCode); code != "" && !strings.Contains(desc, code) {
		desc += "\n\n```mermaid\n" + code + "\n```"
	}
	return desc
}

func ensureTag(tags []string, tag string) []string {
	out := make([]string, 0, len(tags)+1)
	found := false
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			found = true
		}
		out = append(out, t)
	}
	if !found {
		out = append(out, tag)
	}
	return out
}

// =============================================================================
// ESCALATING
// =============================================================================

// escalate hands the request to a human through a review task. Without a
// tracker the escalation is recorded only.
func (r *PipelineRunner) escalate(ctx context.Context, rc *envelope.RequestContext, logger Logger) error {
	reason := rc.TerminalReason
	detail := rc.TerminationDetail
	defer func() {
		rc.Terminate(envelope.OutcomeEscalated, reason, detail)
		r.publish(ctx, logger, &commbus.RequestEscalated{
			RequestID: rc.RequestID,
			ClientID:  rc.ClientID,
			Reason:    string(reason),
			Detail:    detail,
		})
	}()

	rc.AddHistory("Escalated for human review: %s", reason.Describe())
	logger.Info("request_escalated",
		"reason", string(reason),
		"detail", detail,
	)

	if r.Tracker == nil {
		return nil
	}
	ref, err := r.Tracker.CreateTask(ctx, commbus.CreateTaskRequest{
		ListID:      r.Policy.ReviewListID,
		Name:        TaskTitle(rc.ClientID, "Needs review: "+preview(oneLine(rc.RequestText), 60)),
		Description: EscalationDescription(rc),
		Tags:        []string{TagAgency, TagNeedsReview},
		Priority:    rc.Priority.TrackerPriority(),
	})
	if err != nil {
		rc.RecordError(envelope.StageEscalating, err)
		rc.AddHistory("Failed to create review task: %v", err)
		logger.Error("review_task_failed", "error", err.Error())
		return nil
	}
	rc.Task = ref
	rc.SetLog("review_task", map[string]any{"id": ref.ID, "url": ref.URL})
	rc.AddHistory("Created review task: %s", ref.URL)
	return nil
}

// EscalationDescription renders the review task body: why the request was
// escalated and what a human needs to resolve.
func EscalationDescription(rc *envelope.RequestContext) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("## Escalation")
	line("**Reason:** %s", rc.TerminalReason.Describe())
	if rc.TerminationDetail != "" {
		line("**Detail:** %s", rc.TerminationDetail)
	}
	line("**Iterations:** %d", rc.Iteration)
	line("")
	line("## Original Request")
	line("%s", rc.RequestText)

	if rc.Validation != nil && !rc.Validation.Valid && rc.Validation.SuggestedClarification != "" {
		line("")
		line("## Suggested Clarification")
		line("%s", rc.Validation.SuggestedClarification)
	}

	if missing := rc.Missing(); len(missing) > 0 && !rc.IsComplete() {
		line("")
		line("## Unanswered Questions")
		for _, q := range missing {
			line("- %s", q)
		}
	}

	if rc.Critique != "" {
		line("")
		line("## Latest Review Feedback")
		line("%s", rc.Critique)
	}

	if rc.Plan != nil && !rc.Plan.IsEmpty() {
		line("")
		line("## Latest Plan (v%d)", rc.Iteration)
		line("%s", rc.Plan.DescriptionMarkdown)
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// HELPERS
// =============================================================================

func preview(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
