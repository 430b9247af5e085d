package config

const defaultTemplate = `workshops:
  initial:
    id: problem-refinement
    title: Problem refinement
    label: Initial Refinement
    preset: workshop.problem_refinement
    description: Refine the problem statement and clarify scope.
  event_storming:
    id: workshop-eventstorming
    title: Event storming
    label: Event Storming
    preset: workshop.eventstorming
    description: Map domain events and flows.
  decision_workshop:
    id: workshop-decision
    title: Decision workshop
    label: Decision Workshop
    preset: workshop.decision
    description: Capture key trade-offs and decisions.
  clarify:
    id: workshop-clarify
    title: Clarification workshop
    label: Clarification
    preset: workshop.clarify
    description: Resolve open questions and assumptions.

problem:
  question: What is the problem statement for this project?
  options:
    - Inventory management across plates, regions, and AZs
    - Incident response control plan and change tracking
    - Auditability and ownership for server lifecycle
    - Other (type your own)

features:
  id_prefix: workshop-feature-
  title_prefix: "Feature workshop: "
  fallback_slug: feature
  preset: workshop.clarify
  default_summary: Feature workshop for requirements and Gherkin specs.

model:
  name: gpt-4o-mini
  temperature: 0.2
  max_iterations: 6
  strategies: [tool_calling, agent_executor]

delivery:
  task_list_limit: 200
  events_limit: 5

agent_log:
  enabled: false
  item_id: agent-log
  title: Agent log

prompts:
  discovery: >-
    You are a product planner starting a discovery phase. First, refine the
    provided problem statement into clear goals and scope. Only ask clarifying
    questions if critical details are missing. Use ask_human_question when
    needed, and always include 3-5 options plus 'Other' in each question. Ask
    at most one question at a time. Then provide assumptions and success
    metrics. Output sections: Refined Problem, Assumptions, Success Metrics,
    Actors.
  discovery_phase: >-
    You are facilitating a discovery workshop phase: {phase}. Ask clarifying
    questions when needed using ask_human_question, and include 3-5 options
    plus 'Other' in each question. Ask at most one question at a time. Return
    a concise summary with decisions, risks, and open questions.
  next_steps: >-
    You just completed the {phase} workshop. Plan the next steps needed to
    reach the iteration goal. Return a concise, ordered list with owners if
    possible.
  planner: >-
    You are a product owner running agile planning. Based on discovery, create
    a one-iteration plan with dependencies and owners. Workline iterations have
    no duration and we do not do capacity planning here. Assume the work is
    carried out by AI actors (e.g., PlannerAgent, OpsAgent, ReviewerAgent) and
    assign owners accordingly. Ask questions only when decisions are needed
    using ask_human_question, always providing 3-5 options plus 'Other'. Ask
    at most one question at a time. Output sections: Iteration ID, Sprint
    Goal, User Stories (with actors), Dependencies, Acceptance Criteria, Risks,
    Sprint Backlog (each item with owner and dependencies).
  delivery: |-
    You are a delivery lead. You will receive a finalized agile plan that includes an Iteration ID and Sprint Backlog. Do the following:
    1) Check if the iteration already exists using list_workline_iterations.
    2) If missing, create the iteration (status will be pending).
    3) Always list tasks for this iteration using list_workline_tasks. Use the existing task IDs to avoid duplicates and to wire dependencies.
    4) Only create missing backlog items with create_workline_task_full, or hand the whole backlog to reconcile_workline_backlog which only creates what is missing. Map dependency names to existing task IDs when possible.
    5) Prioritize all tasks before starting the iteration. Assign priority 1..N (1 is highest). If any existing task is missing a priority, set it with update_workline_task_priority.
    6) Move iteration to running if not already.
    7) Ask the human if demo/review is approved. If approved, add an iteration.approved attestation on the iteration.
    8) Move iteration to delivered, then validated.
    9) Add ci.passed and review.approved attestations for each task.
    10) Call latest_workline_events.
    Use ask_human_question for any decision points and provide options. Ask at most one question at a time. Output a short 'Workline Actions' section listing created task IDs and iteration status.
  specifications: >-
    You are a product analyst. Produce a PRD and functional specifications for
    ALL features in the plan. Use the discovery context. Return JSON with keys:
    prd, gherkin. PRD should include: overview, goals, non-goals, personas,
    user journeys, functional requirements, non-functional requirements,
    dependencies, risks, open questions. Gherkin must include Feature and
    Scenario blocks for each feature.
  features: >-
    Extract the feature list from the plan. Return JSON array with objects:
    {"title": "...", "summary": "..."}. Only include real product features,
    not process steps.

sandbox:
  iteration_approval: iteration.approved
  actors:
    - id: planner
      api_key: planner-key
      roles: [planner]
    - id: executor
      api_key: executor-key
      roles: [executor]
    - id: reviewer
      api_key: reviewer-key
      roles: [reviewer]
  attestation_authorities:
    review.*: [reviewer]
    acceptance.*: [reviewer]
    security.*: [reviewer]
    iteration.approved: [reviewer]
    ci.*: [executor]
    workshop.*: [planner]
`
