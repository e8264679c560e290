package flv

import (
	"testing"
)

func collectInjector(t *testing.T, inj *MetadataInjector, recs []Record) []Record {
	t.Helper()
	var out []Record
	for _, r := range recs {
		if err := inj.Process(r, func(r Record) { out = append(out, r) }); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := inj.Finish(func(r Record) { out = append(out, r) }); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return out
}

func scriptTag(t *testing.T, props []Property) *Tag {
	t.Helper()
	data, err := EncodeScriptData("onMetaData", props)
	if err != nil {
		t.Fatalf("EncodeScriptData: %v", err)
	}
	return &Tag{Type: TagScriptData, Data: data}
}

func TestInjectorRewritesOnMetaData(t *testing.T) {
	t.Parallel()

	inj := NewMetadataInjector(InjectorConfig{Creator: "test", KeyframeCapacity: 10}, nil)
	in := scriptTag(t, []Property{
		{Key: "duration", Value: 34.2},
		{Key: "width", Value: 1280.0},
		{Key: "encoder", Value: "Lavf58"},
	})
	in.Timestamp = 7

	out := collectInjector(t, inj, []Record{in})
	if len(out) != 1 {
		t.Fatalf("got %d records, want 1", len(out))
	}
	tag := out[0].(*Tag)
	if tag.Type != TagScriptData || tag.Timestamp != 7 {
		t.Errorf("tag: type=%d ts=%d", tag.Type, tag.Timestamp)
	}

	name, props, err := DecodeScriptData(tag.Data)
	if err != nil || name != "onMetaData" {
		t.Fatalf("decode rewritten tag: %q, %v", name, err)
	}
	md := ReconcileMetadata(props)
	if md.Duration == nil || *md.Duration != 34.2 {
		t.Errorf("duration: got %v", md.Duration)
	}
	if md.FileSize == nil || *md.FileSize != 0 {
		t.Errorf("filesize: got %v, want zeroed stub", md.FileSize)
	}
	if md.MetadataCreator == nil || *md.MetadataCreator != "test" {
		t.Errorf("metadatacreator: got %v", md.MetadataCreator)
	}
	if v, ok := md.Extra("encoder"); !ok || v != "Lavf58" {
		t.Errorf("encoder not preserved: %v, %v", v, ok)
	}
	idx := md.Keyframes
	if idx == nil || !idx.IsPlaceholder() || idx.Capacity() != 10 {
		t.Errorf("keyframes: got %+v, want placeholder of capacity 10", idx)
	}
}

func TestInjectorSynthesizesWhenMissing(t *testing.T) {
	t.Parallel()

	inj := NewMetadataInjector(InjectorConfig{KeyframeCapacity: 5}, nil)
	video := &Tag{Type: TagVideo, Timestamp: 0, Data: []byte{0x17, 1, 0, 0, 0}}

	out := collectInjector(t, inj, []Record{&Header{Version: 1, HasVideo: true}, video})
	if len(out) != 3 {
		t.Fatalf("got %d records, want header + synthesized metadata + video", len(out))
	}
	if _, ok := out[0].(*Header); !ok {
		t.Fatalf("first record: %T", out[0])
	}
	synth := out[1].(*Tag)
	if synth.Type != TagScriptData {
		t.Fatalf("second record is %d, want script data", synth.Type)
	}
	name, props, err := DecodeScriptData(synth.Data)
	if err != nil || name != "onMetaData" {
		t.Fatalf("decode synthesized tag: %q, %v", name, err)
	}
	md := ReconcileMetadata(props)
	if md.Duration == nil || *md.Duration != 0 {
		t.Errorf("duration: got %v, want zeroed stub", md.Duration)
	}
	if md.MetadataCreator == nil || *md.MetadataCreator != defaultCreator {
		t.Errorf("metadatacreator: got %v", md.MetadataCreator)
	}
	if out[2] != Record(video) {
		t.Error("media tag not forwarded after the synthesized metadata")
	}
}

func TestInjectorPassesExtraOnMetaDataThrough(t *testing.T) {
	t.Parallel()

	inj := NewMetadataInjector(InjectorConfig{}, nil)
	first := scriptTag(t, []Property{{Key: "duration", Value: 1.0}})
	second := scriptTag(t, []Property{{Key: "duration", Value: 2.0}})

	out := collectInjector(t, inj, []Record{first, second})
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2", len(out))
	}
	// Only the first object is rewritten; the second passes through verbatim.
	if out[1] != Record(second) {
		t.Error("second onMetaData should pass through untouched")
	}
}

func TestInjectorPassesUndecodableScriptDataThrough(t *testing.T) {
	t.Parallel()

	inj := NewMetadataInjector(InjectorConfig{}, nil)
	junk := &Tag{Type: TagScriptData, Data: []byte{0xff, 0x00}}

	out := collectInjector(t, inj, []Record{junk})
	if len(out) != 1 || out[0] != Record(junk) {
		t.Fatalf("junk script tag should pass through, got %v", out)
	}
}

func TestInjectorRewrittenTagHasStablePatchRegion(t *testing.T) {
	t.Parallel()

	// Two streams with different keyframe counts in their source metadata
	// must rewrite to the same placeholder layout, since the writer later
	// patches the region without moving bytes.
	a := NewMetadataInjector(InjectorConfig{KeyframeCapacity: 8}, nil)
	b := NewMetadataInjector(InjectorConfig{KeyframeCapacity: 8}, nil)

	outA := collectInjector(t, a, []Record{scriptTag(t, []Property{{Key: "duration", Value: 1.0}})})
	outB := collectInjector(t, b, []Record{scriptTag(t, []Property{
		{Key: "duration", Value: 9.0},
		{Key: "keyframes", Value: map[string]interface{}{
			"times":         []interface{}{0.0, 5.0},
			"filepositions": []interface{}{13.0, 4242.0},
		}},
	})})

	sizeOf := func(recs []Record) int {
		_, props, err := DecodeScriptData(recs[0].(*Tag).Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		md := ReconcileMetadata(props)
		if md.Keyframes == nil || !md.Keyframes.IsPlaceholder() {
			t.Fatal("rewritten keyframes must be a placeholder")
		}
		return md.Keyframes.encodedSize()
	}
	if sizeOf(outA) != sizeOf(outB) {
		t.Errorf("placeholder sizes differ: %d vs %d", sizeOf(outA), sizeOf(outB))
	}
}
