package brain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/treufabrik/dirigent/pkg/models"
)

// System prompt templates per chat mode. The general template serves
// general_chat and accounting_chat; the department modes get narrow prompts
// with no tool access.

const generalPrompt = `You are Dirigent, the orchestration agent of an accounting automation platform.
You assist accountants with their mandates: answering questions, looking up
documents and job metrics, and managing scheduled tasks on their behalf.

Rules:
- Answer in the user's language.
- When a request maps to a tool, call the tool instead of guessing.
- Delegate long-running department work (AP bookkeeping, document routing,
  bank reconciliation, HR postings) to the matching LPT tool and tell the
  user the job was submitted.
- Never invent figures; if a metric is unavailable, say so.`

const onboardingPrompt = `You are Dirigent, guiding an accountant through the onboarding of a new mandate.
Walk them through the required profile data step by step: country, document
management system, bank access, and the first scheduled tasks. Confirm each
step before moving on. Use the task tools to set up recurring work the user
agrees to.

Answer in the user's language.`

const apBookkeeperPrompt = `You are the accounts-payable bookkeeping assistant of an accounting platform.
You answer questions about invoice capture, coding, and posting for the
current mandate. You have no tools; when work must actually be carried out,
tell the user to ask the main assistant to schedule it.`

const routerPrompt = `You are the document-routing assistant of an accounting platform.
You answer questions about how incoming documents are classified and routed
for the current mandate. You have no tools; routing jobs themselves are
submitted by the main assistant.`

const bankerPrompt = `You are the banking assistant of an accounting platform.
You answer questions about bank statement ingestion and reconciliation for
the current mandate. You have no tools; reconciliation jobs themselves are
submitted by the main assistant.`

const taskExecutionPrompt = `You are Dirigent running an autonomous task execution for an accounting mandate.
Work through the mission below without user interaction.

Procedure:
1. Read the mission and, if present, the report of the previous run.
2. Call CREATE_CHECKLIST once with the concrete steps you will take.
3. Before starting a step, set it to in_progress with UPDATE_STEP.
4. Do the work: short tools return results inline; LPT tools submit a job to
   a department worker and pause this execution until its callback arrives.
5. After each step, set it to completed or error with a short message.
6. When every step is terminal, or you cannot reasonably proceed, call
   TERMINATE_TASK with a summary. Never leave steps dangling.`

const lptCallbackPrompt = `You are Dirigent resuming an autonomous task execution after a department
worker reported back.

Procedure (the order is mandatory):
1. FIRST call UPDATE_STEP for the step the callback belongs to: completed if
   the worker succeeded, error otherwise, with a message quoting the outcome.
2. Then decide: continue with the next checklist step, adjust the plan, or,
   when everything is terminal or the failure is unrecoverable, call
   TERMINATE_TASK with a summary.`

// PromptContext carries everything a system prompt can embed.
type PromptContext struct {
	User       *models.UserContext
	Mission    *models.Mission
	LastReport *models.ExecutionReport
}

// BuildSystemPrompt composes the system prompt for a chat mode: the mode
// template plus the mandate context block, and for task execution the
// mission and previous report sections.
func BuildSystemPrompt(mode models.ChatMode, pc PromptContext) string {
	var sb strings.Builder
	sb.WriteString(modeTemplate(mode))

	if pc.User != nil {
		sb.WriteString("\n\n")
		sb.WriteString(formatMandateSection(pc.User))
	}
	if mode == models.ModeTaskExecution && pc.Mission != nil {
		sb.WriteString("\n\n")
		sb.WriteString(formatMissionSection(pc.Mission))
		if pc.LastReport != nil {
			sb.WriteString("\n\n")
			sb.WriteString(formatLastReportSection(pc.LastReport))
		}
	}
	return sb.String()
}

func modeTemplate(mode models.ChatMode) string {
	switch mode {
	case models.ModeOnboardingChat:
		return onboardingPrompt
	case models.ModeAPBookkeeperChat:
		return apBookkeeperPrompt
	case models.ModeRouterChat:
		return routerPrompt
	case models.ModeBankerChat:
		return bankerPrompt
	case models.ModeTaskExecution:
		return taskExecutionPrompt
	case models.ModeLPTCallback:
		return lptCallbackPrompt
	default:
		return generalPrompt
	}
}

// formatMandateSection renders the mandate context block every mode shares.
func formatMandateSection(uc *models.UserContext) string {
	var sb strings.Builder
	sb.WriteString("## Mandate Context\n")
	sb.WriteString("**Mandate:** ")
	sb.WriteString(uc.MandatePath)
	sb.WriteString("\n**Country:** ")
	sb.WriteString(uc.Country)
	if uc.Timezone != "" {
		sb.WriteString("\n**Timezone:** ")
		sb.WriteString(uc.Timezone)
	}
	if uc.Language != "" {
		sb.WriteString("\n**Language:** ")
		sb.WriteString(uc.Language)
	}
	if uc.DMSSystem != "" {
		sb.WriteString("\n**Document system:** ")
		sb.WriteString(uc.DMSSystem)
	}
	if len(uc.JobMetrics) > 0 {
		if raw, err := json.Marshal(uc.JobMetrics); err == nil {
			sb.WriteString("\n**Job metrics:** ")
			sb.Write(raw)
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatMissionSection(m *models.Mission) string {
	var sb strings.Builder
	sb.WriteString("## Mission\n")
	sb.WriteString("**Title:** ")
	sb.WriteString(m.Title)
	sb.WriteString("\n\n")
	sb.WriteString(m.Description)
	if m.Plan != "" {
		sb.WriteString("\n\n### Plan\n")
		sb.WriteString(m.Plan)
	}
	sb.WriteString("\n")
	return sb.String()
}

func formatLastReportSection(r *models.ExecutionReport) string {
	var sb strings.Builder
	sb.WriteString("## Previous Run\n")
	fmt.Fprintf(&sb, "**Status:** %s, %d/%d steps completed",
		r.Status, r.CompletedSteps, r.TotalSteps)
	if r.ErroredSteps > 0 {
		fmt.Fprintf(&sb, ", %d errored", r.ErroredSteps)
	}
	sb.WriteString("\n")
	if r.Summary != "" {
		sb.WriteString(r.Summary)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ComposeWithSummary prepends the resummarization prefix so the provider
// sees the compressed history before the live instructions.
func ComposeWithSummary(systemPrompt, summary string) string {
	if summary == "" {
		return systemPrompt
	}
	var sb strings.Builder
	sb.WriteString("## Earlier Conversation (summarized)\n")
	sb.WriteString(summary)
	sb.WriteString("\n\n")
	sb.WriteString(systemPrompt)
	return sb.String()
}
