package coordination

// Actor identifies which agent took the last turn.
type Actor int

const (
	None Actor = iota
	Coordinator
	QuestionEngine
	Analyzer
	Synthesizer
)

// Agent names as they appear in chat messages and logs.
const (
	CoordinatorName    = "ResearchCoordinator"
	QuestionEngineName = "ResearchEngine"
	AnalyzerName       = "ResearchAnalyzer"
	SynthesizerName    = "ReportSynthesizer"
)

func (a Actor) String() string {
	switch a {
	case Coordinator:
		return CoordinatorName
	case QuestionEngine:
		return QuestionEngineName
	case Analyzer:
		return AnalyzerName
	case Synthesizer:
		return SynthesizerName
	default:
		return "None"
	}
}
