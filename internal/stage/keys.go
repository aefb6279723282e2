package stage

// Workflow state keys shared between stages, the lease allocator and the
// driver. Values live in WorkflowExecution.Metadata.
const (
	KeyPlanFile   = "plan_file"
	KeyIssueClass = "issue_class"
	KeyBaseBranch = "base_branch"

	KeyWorkdir       = "lease.workdir"
	KeyBranch        = "lease.branch"
	KeyPrimaryPort   = "lease.primary_port"
	KeySecondaryPort = "lease.secondary_port"
)
