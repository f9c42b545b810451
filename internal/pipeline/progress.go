package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"tabgraphsyn-runner/internal/models"
)

// The pipeline prints banner lines between stages and per-epoch lines
// during training. These markers are the whole progress protocol; any
// line that matches none of them is appended to the job log verbatim and
// never treated as an error.
const (
	markerPreprocessing = "PREPROCESSING DATA"
	markerTraining      = "TRAINING MODELS"
	markerSampling      = "SAMPLING DATA"
	markerEvaluation    = "RUNNING EVALUATION"
	markerCompleted     = "PIPELINE COMPLETED SUCCESSFULLY"
)

// Stage progress bands. Training interpolates epochs across its band.
const (
	pctPreprocessing = 10
	pctTraining      = 30
	pctTrainingEnd   = 70
	pctSampling      = 75
	pctEvaluation    = 85
	pctFinalizing    = 95
)

var epochRe = regexp.MustCompile(`(?i)\bepoch[ :]+(\d+)\s*/\s*(\d+)`)

// Update is one parsed progress event.
type Update struct {
	Stage    string
	Progress int
}

// Parser turns pipeline output lines into stage/progress updates. It is
// stateful: epoch lines only advance progress while in the training
// stage, and the reported percentage never goes backward.
type Parser struct {
	stage string
	pct   int
}

// NewParser returns a parser positioned before the first stage.
func NewParser() *Parser {
	return &Parser{stage: models.StageStarting, pct: 0}
}

// Parse inspects one output line. It returns an Update and true when the
// line moved the stage or percentage forward.
func (p *Parser) Parse(line string) (Update, bool) {
	upper := strings.ToUpper(strings.TrimSpace(line))

	switch {
	case strings.Contains(upper, markerPreprocessing):
		return p.advance(models.StagePreprocessing, pctPreprocessing)
	case strings.Contains(upper, markerTraining):
		return p.advance(models.StageTraining, pctTraining)
	case strings.Contains(upper, markerSampling):
		return p.advance(models.StageSampling, pctSampling)
	case strings.Contains(upper, markerEvaluation):
		return p.advance(models.StageEvaluation, pctEvaluation)
	case strings.Contains(upper, markerCompleted):
		return p.advance(models.StageFinalizing, pctFinalizing)
	}

	if p.stage == models.StageTraining {
		if m := epochRe.FindStringSubmatch(line); m != nil {
			epoch, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			if total > 0 {
				if epoch > total {
					epoch = total
				}
				pct := pctTraining + (pctTrainingEnd-pctTraining)*epoch/total
				return p.advance(models.StageTraining, pct)
			}
		}
	}

	return Update{}, false
}

func (p *Parser) advance(stage string, pct int) (Update, bool) {
	if pct < p.pct {
		pct = p.pct
	}
	if stage == p.stage && pct == p.pct {
		return Update{}, false
	}
	p.stage = stage
	p.pct = pct
	return Update{Stage: stage, Progress: pct}, true
}
