package pipeline

import (
	"testing"

	"tabgraphsyn-runner/internal/models"
)

func TestParserStageMarkers(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantStg  string
		wantProg int
	}{
		{"preprocessing banner", "PREPROCESSING DATA", true, models.StagePreprocessing, 10},
		{"banner inside decoration", "======== TRAINING MODELS ========", true, models.StageTraining, 30},
		{"sampling banner", "SAMPLING DATA", true, models.StageSampling, 75},
		{"completion banner", "PIPELINE COMPLETED SUCCESSFULLY!", true, models.StageFinalizing, 95},
		{"plain output line", "loading metadata.json", false, "", 0},
		{"empty line", "", false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			got, ok := p.Parse(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Stage != tt.wantStg || got.Progress != tt.wantProg {
				t.Errorf("Parse(%q) = (%s, %d), want (%s, %d)",
					tt.line, got.Stage, got.Progress, tt.wantStg, tt.wantProg)
			}
		})
	}
}

func TestParserEpochInterpolation(t *testing.T) {
	p := NewParser()

	// Epoch lines before the training banner are ignored.
	if _, ok := p.Parse("Epoch 1/10 loss=0.5"); ok {
		t.Error("epoch line advanced progress before training stage")
	}

	p.Parse("TRAINING MODELS")

	update, ok := p.Parse("Epoch 5/10 loss=0.2")
	if !ok {
		t.Fatal("epoch line not recognized during training")
	}
	if update.Stage != models.StageTraining {
		t.Errorf("stage = %s, want training", update.Stage)
	}
	// Halfway through the 30..70 band.
	if update.Progress != 50 {
		t.Errorf("progress = %d, want 50", update.Progress)
	}

	update, ok = p.Parse("Epoch 10/10 loss=0.1")
	if !ok || update.Progress != 70 {
		t.Errorf("final epoch progress = %d (ok=%v), want 70", update.Progress, ok)
	}
}

func TestParserNeverRegresses(t *testing.T) {
	p := NewParser()
	p.Parse("TRAINING MODELS")
	p.Parse("Epoch 9/10")

	// A lower epoch (second model starting over) must not move backward.
	update, ok := p.Parse("Epoch 1/10")
	if ok && update.Progress < 66 {
		t.Errorf("progress regressed to %d", update.Progress)
	}

	update, ok = p.Parse("SAMPLING DATA")
	if !ok || update.Progress != 75 {
		t.Errorf("sampling after training = %d (ok=%v), want 75", update.Progress, ok)
	}
}

func TestParserDuplicateBannerNoOp(t *testing.T) {
	p := NewParser()
	if _, ok := p.Parse("TRAINING MODELS"); !ok {
		t.Fatal("first banner not recognized")
	}
	if _, ok := p.Parse("TRAINING MODELS"); ok {
		t.Error("duplicate banner produced a second update")
	}
}
