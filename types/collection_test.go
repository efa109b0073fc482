package types

import (
	"testing"
)

func TestCollection_AddImageDeduplicates(t *testing.T) {
	c := NewCollection("chain_a", AcquisitionKey{Mode: "SED", HighVoltage: 15, SpotSize: 3.3})

	c.AddImage("a.tif", 2000)
	c.AddImage("a.tif", 2000)
	c.AddImage("b.tif", 2000.4) // rounds onto the same level

	if c.Len() != 2 {
		t.Errorf("images: got %d, want 2", c.Len())
	}
	if got := len(c.ImagesAt(2000)); got != 2 {
		t.Errorf("images at 2000x: got %d, want 2", got)
	}
}

func TestCollection_EdgesOrderedByContainer(t *testing.T) {
	c := NewCollection("chain_a", AcquisitionKey{})
	c.AddEdge("z.tif", "detail1.tif")
	c.AddEdge("a.tif", "detail2.tif")
	c.AddEdge("a.tif", "detail2.tif") // duplicate, ignored

	edges := c.Edges()
	if len(edges) != 2 {
		t.Fatalf("edges: got %d, want 2", len(edges))
	}
	if edges[0].ContainerPath != "a.tif" || edges[1].ContainerPath != "z.tif" {
		t.Errorf("edges not container-ordered: %+v", edges)
	}
}

func TestCollection_SortedMagnifications(t *testing.T) {
	c := NewCollection("chain_a", AcquisitionKey{})
	c.AddImage("a.tif", 2000)
	c.AddImage("b.tif", 100)
	c.AddImage("c.tif", 500)

	mags := c.SortedMagnifications()
	want := []float64{100, 500, 2000}
	for i, m := range want {
		if mags[i] != m {
			t.Fatalf("magnifications: got %v, want %v", mags, want)
		}
	}
}

func TestCollection_IsValid(t *testing.T) {
	c := NewCollection("chain_a", AcquisitionKey{})
	if c.IsValid() {
		t.Error("empty collection should be invalid")
	}
	c.AddImage("a.tif", 2000)
	if c.IsValid() {
		t.Error("single image establishes no containment")
	}
	c.AddImage("b.tif", 500)
	if !c.IsValid() {
		t.Error("two images should be valid")
	}
}

func TestAbsentMarkers(t *testing.T) {
	if !IsAbsent(Absent()) {
		t.Error("Absent value not recognized")
	}
	if IsAbsent(0) {
		t.Error("zero is a value, not an absent marker")
	}
}

func TestSameSetting(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want bool
	}{
		{"equal values", 3.3, 3.3, true},
		{"different values", 3.3, 4.5, false},
		{"both absent", Absent(), Absent(), true},
		{"absent vs value", Absent(), 3.3, false},
		{"value vs absent", 3.3, Absent(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameSetting(tt.a, tt.b); got != tt.want {
				t.Errorf("SameSetting(%v, %v): got %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestAcquisitionKeyOf_AbsentSettingsShareKey(t *testing.T) {
	// Keys end up as map indices, so two records that both omit a setting
	// must land in the same group.
	a := &ImageMetadata{Mode: "SED", HighVoltage: 15, SpotSize: Absent()}
	b := &ImageMetadata{Mode: "SED", HighVoltage: 15, SpotSize: Absent()}
	c := &ImageMetadata{Mode: "SED", HighVoltage: 15, SpotSize: 3.3}

	groups := map[AcquisitionKey]int{}
	for _, m := range []*ImageMetadata{a, b, c} {
		groups[AcquisitionKeyOf(m)]++
	}
	if len(groups) != 2 {
		t.Errorf("groups: got %d, want 2 (absent spot sizes together, recorded one apart)", len(groups))
	}
	if AcquisitionKeyOf(a) != AcquisitionKeyOf(b) {
		t.Error("records with matching absent settings produced different keys")
	}
	if AcquisitionKeyOf(a) == AcquisitionKeyOf(c) {
		t.Error("absent spot size keyed together with a recorded one")
	}
}

func TestUsable(t *testing.T) {
	complete := &ImageMetadata{
		FieldOfViewWidth:  512,
		FieldOfViewHeight: 471.5,
		Magnification:     248,
		Mode:              "SED",
		HighVoltage:       15,
		SpotSize:          3.3,
		SamplePositionX:   1,
		SamplePositionY:   2,
	}
	if !complete.Usable() {
		t.Error("complete record should be usable")
	}

	tests := []struct {
		name   string
		modify func(*ImageMetadata)
	}{
		{"no mode", func(m *ImageMetadata) { m.Mode = "" }},
		{"no voltage", func(m *ImageMetadata) { m.HighVoltage = Absent() }},
		{"no magnification", func(m *ImageMetadata) { m.Magnification = Absent() }},
		{"zero magnification", func(m *ImageMetadata) { m.Magnification = 0 }},
		{"no position", func(m *ImageMetadata) { m.SamplePositionX = Absent() }},
		{"no field of view", func(m *ImageMetadata) { m.FieldOfViewHeight = Absent() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := *complete
			tt.modify(&m)
			if m.Usable() {
				t.Error("incomplete record reported usable")
			}
		})
	}
}
