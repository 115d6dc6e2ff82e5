package models

// runnerPairs enumerates every (type, subtype) pair a runner exists for.
// Deploy validation checks specs against it so an unknown pair fails before
// the workflow can ever reach the engine.
var runnerPairs = map[NodeType]map[string]bool{
	NodeTypeTrigger: {
		TriggerWebhook: true, TriggerCron: true, TriggerManual: true,
		TriggerGithub: true, TriggerSlack: true, TriggerEmail: true,
	},
	NodeTypeAction: {
		ActionHTTPRequest: true, ActionDataTransformation: true, ActionSleep: true,
	},
	NodeTypeExternalAction: {
		ExternalSlack: true, ExternalGithub: true, ExternalNotion: true,
		ExternalGoogleCalendar: true, ExternalDiscord: true, ExternalEmail: true,
	},
	NodeTypeAIAgent: {
		AIOpenAI: true, AIAnthropic: true, AIGemini: true, AIOpenRouter: true,
	},
	NodeTypeFlow: {
		FlowIf: true, FlowSwitch: true, FlowMerge: true, FlowLoop: true,
	},
	NodeTypeHumanLoop: {
		HumanLoopSlack: true, HumanLoopEmail: true, HumanLoopApp: true,
	},
	NodeTypeTool:   {SubtypeKeyValue: true},
	NodeTypeMemory: {SubtypeKeyValue: true},
}

// KnownRunnerPair reports whether a runner is registered for the pair.
func KnownRunnerPair(t NodeType, subtype string) bool {
	subs, ok := runnerPairs[t]
	if !ok {
		return false
	}
	return subs[subtype]
}
