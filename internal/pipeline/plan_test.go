// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pipeline

import "testing"

func TestPlan_RejectsEmptyNodeList(t *testing.T) {
	_, err := plan(Config{PipelineID: "p"})
	if err == nil {
		t.Error("expected an error for a pipeline with no nodes")
	}
}

func TestPlan_SingleNodeWeldsExternalBoundaries(t *testing.T) {
	cfg := Config{
		PipelineID: "p", InputURI: "jsonl://in.jsonl", OutputURI: "jsonl://out.jsonl",
		Nodes: []NodeSpec{{ID: "only"}},
	}
	nodes, err := plan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if nodes[0].inputURI != "jsonl://in.jsonl" || nodes[0].inputIsInternal {
		t.Errorf("expected external input, got %+v", nodes[0])
	}
	if nodes[0].outputURI != "jsonl://out.jsonl" || nodes[0].outputIsInternal {
		t.Errorf("expected external output, got %+v", nodes[0])
	}
}

func TestPlan_SynthesizesInternalEdgeWhenNeitherSideDeclaresOne(t *testing.T) {
	cfg := Config{
		PipelineID: "pipe1", DefaultProtocol: "jsonl",
		InputURI: "jsonl://in.jsonl", OutputURI: "jsonl://out.jsonl",
		Nodes: []NodeSpec{{ID: "a"}, {ID: "b"}},
	}
	nodes, err := plan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := "jsonl://pipe1/a"
	if nodes[0].outputURI != want || nodes[1].inputURI != want {
		t.Errorf("expected synthesized edge %q shared by both nodes, got out=%q in=%q",
			want, nodes[0].outputURI, nodes[1].inputURI)
	}
	if !nodes[0].outputIsInternal || !nodes[1].inputIsInternal {
		t.Error("expected synthesized edge flagged internal on both sides")
	}
}

func TestPlan_CopiesDeclaredURIAcrossUndeclaredSide(t *testing.T) {
	cfg := Config{
		PipelineID: "p", InputURI: "jsonl://in.jsonl", OutputURI: "jsonl://out.jsonl",
		Nodes: []NodeSpec{
			{ID: "a", OutputURI: "jsonl://shared.jsonl"},
			{ID: "b"},
		},
	}
	nodes, err := plan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if nodes[1].inputURI != "jsonl://shared.jsonl" {
		t.Errorf("expected left's declared output copied to right's input, got %q", nodes[1].inputURI)
	}
}

func TestPlan_MatchingDeclaredURIsAgree(t *testing.T) {
	cfg := Config{
		PipelineID: "p", InputURI: "jsonl://in.jsonl", OutputURI: "jsonl://out.jsonl",
		Nodes: []NodeSpec{
			{ID: "a", OutputURI: "jsonl://shared.jsonl"},
			{ID: "b", InputURI: "jsonl://shared.jsonl"},
		},
	}
	nodes, err := plan(cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if nodes[0].outputURI != "jsonl://shared.jsonl" || nodes[1].inputURI != "jsonl://shared.jsonl" {
		t.Errorf("expected matching URIs preserved, got %+v / %+v", nodes[0], nodes[1])
	}
}

func TestPlan_DisagreeingDeclaredURIsError(t *testing.T) {
	cfg := Config{
		PipelineID: "p", InputURI: "jsonl://in.jsonl", OutputURI: "jsonl://out.jsonl",
		Nodes: []NodeSpec{
			{ID: "a", OutputURI: "jsonl://left.jsonl"},
			{ID: "b", InputURI: "jsonl://right.jsonl"},
		},
	}
	if _, err := plan(cfg); err == nil {
		t.Error("expected an error when adjacent nodes declare disagreeing edge URIs")
	}
}

func TestSynthesizeURI_DefaultsToJSONLWhenProtocolUnset(t *testing.T) {
	got := synthesizeURI("", "pipe1", "nodeA")
	want := "jsonl://pipe1/nodeA"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSynthesizeURI_HonorsExplicitProtocol(t *testing.T) {
	got := synthesizeURI("csv", "pipe1", "nodeA")
	want := "csv://pipe1/nodeA"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
