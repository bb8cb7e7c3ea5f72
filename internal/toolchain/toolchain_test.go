package toolchain

import (
	"strings"
	"testing"

	"reconstruct/internal/layout"
	"reconstruct/internal/quality"
)

func sampleParams(t *testing.T) quality.ParameterRecord {
	t.Helper()
	rec, err := quality.Resolve(quality.Medium, quality.VideoMetadata{DurationSeconds: 30, FrameRate: 30})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return rec
}

func TestBuildArgsFeaturesIncludesBudgetAndSize(t *testing.T) {
	lay := layout.New("/work", "job1")
	rec := sampleParams(t)
	args, err := buildArgs(StageFeatures, rec, lay)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "feature_extractor") {
		t.Errorf("expected feature_extractor subcommand, got %q", joined)
	}
	if !strings.Contains(joined, lay.ImagesDir()) {
		t.Errorf("expected image path in args: %q", joined)
	}
	if !strings.Contains(joined, "--SiftExtraction.max_num_features "+itoa(rec.FeatureBudgetPerImage)) {
		t.Errorf("expected feature budget flag in %q", joined)
	}
	if !strings.Contains(joined, "--SiftExtraction.max_image_size "+itoa(rec.MaxImageSide)) {
		t.Errorf("expected max image size flag in %q", joined)
	}
}

func TestBuildArgsMatchesPicksSubcommandByMatcherKind(t *testing.T) {
	lay := layout.New("/work", "job1")
	rec := sampleParams(t)
	rec.Matcher = quality.MatcherSequential
	rec.SequentialOverlapK = 12
	args, err := buildArgs(StageMatches, rec, lay)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	if args[0] != "sequential_matcher" {
		t.Errorf("args[0] = %q, want sequential_matcher", args[0])
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--SequentialMatching.overlap 12") {
		t.Errorf("expected overlap flag in %q", joined)
	}
}

func TestBuildArgsSparseUsesBAIterationCaps(t *testing.T) {
	lay := layout.New("/work", "job1")
	rec := sampleParams(t)
	args, err := buildArgs(StageSparse, rec, lay)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, lay.SparseDir()) {
		t.Errorf("expected sparse output path in %q", joined)
	}
	if !strings.Contains(joined, "--Mapper.ba_local_max_num_iterations "+itoa(rec.BALocalIterations)) {
		t.Errorf("expected local BA iteration cap in %q", joined)
	}
	if !strings.Contains(joined, "--Mapper.ba_global_max_num_iterations "+itoa(rec.BAGlobalIterations)) {
		t.Errorf("expected global BA iteration cap in %q", joined)
	}
}

func TestBuildArgsDenseUsesPatchMatchParams(t *testing.T) {
	lay := layout.New("/work", "job1")
	rec := sampleParams(t)
	args, err := buildArgs(StageDense, rec, lay)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "patch_match_stereo") {
		t.Errorf("expected patch_match_stereo subcommand in %q", joined)
	}
	if !strings.Contains(joined, "--PatchMatchStereo.window_radius "+itoa(rec.PatchMatchWindowRadius)) {
		t.Errorf("expected window radius flag in %q", joined)
	}
	if !strings.Contains(joined, "--PatchMatchStereo.num_iterations "+itoa(rec.PatchMatchIterations)) {
		t.Errorf("expected iteration count flag in %q", joined)
	}
}

func TestBuildArgsRejectsUnknownStage(t *testing.T) {
	lay := layout.New("/work", "job1")
	rec := sampleParams(t)
	if _, err := buildArgs(Stage("BOGUS"), rec, lay); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestProgressPatternMatchesKnownShapes(t *testing.T) {
	cases := []string{
		"Processed image 3 of 10",
		"Matching pair 7 of 20",
		"Running iteration 2 of 5",
	}
	for _, line := range cases {
		if !progressPattern.MatchString(line) {
			t.Errorf("expected progress pattern to match %q", line)
		}
	}
	if progressPattern.MatchString("no progress info here") {
		t.Error("expected no match on an unrelated line")
	}
}

func TestTailBufferKeepsOnlyLastBytes(t *testing.T) {
	var tb tailBuffer
	for i := 0; i < 2000; i++ {
		tb.Write("a line of reasonable length for padding purposes")
	}
	if len(tb.buf) > tailSize {
		t.Errorf("tail buffer grew to %d bytes, want <= %d", len(tb.buf), tailSize)
	}
}

func TestStageFailedErrorIncludesExitCodeAndTail(t *testing.T) {
	err := &StageFailed{Stage: StageSparse, ExitCode: 1, Tail: "boom"}
	msg := err.Error()
	if !strings.Contains(msg, "1") || !strings.Contains(msg, "boom") {
		t.Errorf("error message missing detail: %q", msg)
	}
}

func TestStageTimeoutErrorNamesStage(t *testing.T) {
	err := &StageTimeout{Stage: StageDense}
	if !strings.Contains(err.Error(), string(StageDense)) {
		t.Errorf("expected error to name the stage, got %q", err.Error())
	}
}
