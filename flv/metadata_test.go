package flv

import (
	"reflect"
	"testing"
)

func TestReconcileTypedFields(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "duration", Value: 123.4},
		{Key: "width", Value: 1920.0},
		{Key: "height", Value: 1080.0},
		{Key: "videocodecid", Value: 7.0},
		{Key: "stereo", Value: true},
		{Key: "metadatacreator", Value: "obs"},
	})
	if md.Duration == nil || *md.Duration != 123.4 {
		t.Errorf("Duration: got %v", md.Duration)
	}
	if md.Width == nil || *md.Width != 1920 {
		t.Errorf("Width: got %v", md.Width)
	}
	if md.Stereo == nil || !*md.Stereo {
		t.Errorf("Stereo: got %v", md.Stereo)
	}
	if md.MetadataCreator == nil || *md.MetadataCreator != "obs" {
		t.Errorf("MetadataCreator: got %v", md.MetadataCreator)
	}
	if _, ok := md.Extra("duration"); ok {
		t.Error("typed key must not also live in the open map")
	}
}

func TestReconcileUnrecognizedKeysPreservedVerbatim(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "encoder", Value: "Lavf58"},
		{Key: "duration", Value: 1.0},
		{Key: "custom_list", Value: []interface{}{1.0, 2.0}},
	})
	if v, ok := md.Extra("encoder"); !ok || v != "Lavf58" {
		t.Errorf("encoder: got %v, %v", v, ok)
	}
	if v, ok := md.Extra("custom_list"); !ok || !reflect.DeepEqual(v, []interface{}{1.0, 2.0}) {
		t.Errorf("custom_list: got %#v", v)
	}
}

func TestReconcileUnconvertibleFallsBackToOpenMap(t *testing.T) {
	t.Parallel()

	// "duration" with a string value cannot be coerced; it must survive in
	// the open map rather than abort or vanish.
	md := ReconcileMetadata([]Property{
		{Key: "duration", Value: "not a number"},
	})
	if md.Duration != nil {
		t.Errorf("Duration should be empty, got %v", *md.Duration)
	}
	if v, ok := md.Extra("duration"); !ok || v != "not a number" {
		t.Errorf("open map: got %v, %v", v, ok)
	}
}

func TestReconcileDuplicateKeysLastWriteWins(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "duration", Value: 1.0},
		{Key: "width", Value: 640.0},
		{Key: "duration", Value: 2.0},
	})
	if md.Duration == nil || *md.Duration != 2.0 {
		t.Errorf("Duration: got %v, want 2", md.Duration)
	}

	// The key keeps its first position in the order.
	props := md.Properties()
	if len(props) != 2 || props[0].Key != "duration" || props[1].Key != "width" {
		t.Errorf("order: got %v", keysOf(props))
	}
}

func TestReconcileDuplicateTypedThenUnconvertible(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "duration", Value: 1.0},
		{Key: "duration", Value: "broken"},
	})
	if md.Duration != nil {
		t.Error("Duration should be cleared by the later unconvertible value")
	}
	if v, ok := md.Extra("duration"); !ok || v != "broken" {
		t.Errorf("open map: got %v, %v", v, ok)
	}
	if len(md.Properties()) != 1 {
		t.Errorf("properties: got %v", keysOf(md.Properties()))
	}
}

func TestReconcileKeyframesFinal(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "keyframes", Value: map[string]interface{}{
			"times":         []interface{}{0.0, 2.0, 4.0},
			"filepositions": []interface{}{13.0, 5000.0, 10000.0},
		}},
	})
	idx := md.Keyframes
	if idx == nil {
		t.Fatal("Keyframes not populated")
	}
	if idx.IsPlaceholder() {
		t.Error("index should be Final")
	}
	if !reflect.DeepEqual(idx.Times, []float64{0, 2, 4}) {
		t.Errorf("Times: got %v", idx.Times)
	}
	if !reflect.DeepEqual(idx.FilePositions, []uint64{13, 5000, 10000}) {
		t.Errorf("FilePositions: got %v", idx.FilePositions)
	}
}

func TestReconcileKeyframesSpacerOnly(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "keyframes", Value: map[string]interface{}{
			"spacer": []interface{}{0.0, 0.0, 0.0, 0.0},
		}},
	})
	idx := md.Keyframes
	if idx == nil {
		t.Fatal("Keyframes not populated")
	}
	if !idx.IsPlaceholder() || idx.SpacerLength != 4 {
		t.Errorf("got placeholder=%v spacer=%d, want placeholder with 4", idx.IsPlaceholder(), idx.SpacerLength)
	}
}

func TestPlaceholderSurvivesEncodeDecode(t *testing.T) {
	t.Parallel()

	// The placeholder must stay a placeholder across a full encode and
	// re-parse cycle, otherwise the writer cannot find the reserved region
	// to patch at close.
	md := ReconcileMetadata(nil)
	md.SetKeyframes(NewPlaceholderIndex(8))

	data, err := EncodeScriptData("onMetaData", md.Properties())
	if err != nil {
		t.Fatalf("EncodeScriptData: %v", err)
	}
	_, props, err := DecodeScriptData(data)
	if err != nil {
		t.Fatalf("DecodeScriptData: %v", err)
	}
	idx := ReconcileMetadata(props).Keyframes
	if idx == nil {
		t.Fatal("Keyframes not populated")
	}
	if !idx.IsPlaceholder() {
		t.Fatal("re-parsed index lost its placeholder form")
	}
	if idx.Capacity() != 8 {
		t.Errorf("capacity: got %d, want 8", idx.Capacity())
	}
}

func TestReconcileKeyframesGarbageStaysOpen(t *testing.T) {
	t.Parallel()

	md := ReconcileMetadata([]Property{
		{Key: "keyframes", Value: "nonsense"},
	})
	if md.Keyframes != nil {
		t.Error("Keyframes should be empty")
	}
	if v, ok := md.Extra("keyframes"); !ok || v != "nonsense" {
		t.Errorf("open map: got %v, %v", v, ok)
	}
}

func TestKeyframeIndexEncodedSizeMatches(t *testing.T) {
	t.Parallel()

	cases := []*KeyframeIndex{
		NewPlaceholderIndex(1),
		NewPlaceholderIndex(100),
		{Times: []float64{0, 1}, FilePositions: []uint64{13, 99}},
		{Times: []float64{0}, FilePositions: []uint64{13}, SpacerLength: 6},
	}
	for _, idx := range cases {
		if got := len(idx.encode()); got != idx.encodedSize() {
			t.Errorf("encode length %d, encodedSize %d", got, idx.encodedSize())
		}
	}
}

func TestFitPlaceholderPreservesEncodedLength(t *testing.T) {
	t.Parallel()

	ph := NewPlaceholderIndex(5)
	reserved := ph.encodedSize()

	times := []float64{0, 2, 4}
	positions := []uint64{13, 100, 200}
	idx, ok := fitPlaceholder(reserved, times, positions)
	if !ok {
		t.Fatal("fitPlaceholder failed")
	}
	if len(idx.Times) != 3 || len(idx.FilePositions) != 3 {
		t.Errorf("kept %d/%d entries, want 3/3", len(idx.Times), len(idx.FilePositions))
	}
	if got := len(idx.encode()); got != reserved {
		t.Errorf("patched encoding is %d bytes, reserved %d", got, reserved)
	}
}

func TestFitPlaceholderDropsTailWhenFull(t *testing.T) {
	t.Parallel()

	ph := NewPlaceholderIndex(2)
	times := []float64{0, 1, 2, 3}
	positions := []uint64{10, 20, 30, 40}
	idx, ok := fitPlaceholder(ph.encodedSize(), times, positions)
	if !ok {
		t.Fatal("fitPlaceholder failed")
	}
	if len(idx.Times) != 2 {
		t.Errorf("kept %d entries, want 2", len(idx.Times))
	}
	if got := len(idx.encode()); got != ph.encodedSize() {
		t.Errorf("patched encoding is %d bytes, reserved %d", got, ph.encodedSize())
	}
}

func TestFitPlaceholderRejectsForeignLayout(t *testing.T) {
	t.Parallel()

	if _, ok := fitPlaceholder(10, nil, nil); ok {
		t.Error("expected failure for a region smaller than the layout")
	}
	if _, ok := fitPlaceholder(keyframesFixedSize+1, nil, nil); ok {
		t.Error("expected failure for a region not aligned to array elements")
	}
}

func keysOf(props []Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Key
	}
	return out
}
