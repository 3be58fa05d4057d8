package selector

import "testing"

func TestBestImageURL(t *testing.T) {
	target := Point{Width: 80, Height: 80}

	tests := []struct {
		name   string
		images []Image
		lookup DimensionLookup
		want   string
		wantOK bool
	}{
		{
			name:   "no images",
			wantOK: false,
		},
		{
			name: "nearest by own dimensions",
			images: []Image{
				{URL: "http://a/1.png", Width: 100, Height: 100},
				{URL: "http://a/2.png", Width: 1000, Height: 1000},
			},
			want:   "http://a/1.png",
			wantOK: true,
		},
		{
			name:   "no dimensions returns last",
			images: []Image{{URL: "X"}, {URL: "Y"}},
			want:   "Y",
			wantOK: true,
		},
		{
			name: "secure url preferred",
			images: []Image{
				{URL: "http://a/1.png", SecureURL: "https://a/1.png", Width: 80, Height: 80},
			},
			want:   "https://a/1.png",
			wantOK: true,
		},
		{
			name: "lookup backfills by plain url",
			images: []Image{
				{URL: "http://a/big.png"},
				{URL: "http://a/small.png"},
				{URL: "http://a/last.png"},
			},
			lookup: DimensionLookup{
				"http://a/big.png":   {Width: 1200, Height: 630},
				"http://a/small.png": {Width: 64, Height: 64},
			},
			want:   "http://a/small.png",
			wantOK: true,
		},
		{
			name: "lookup by secure url first",
			images: []Image{
				{URL: "http://a/1.png", SecureURL: "https://a/1.png"},
				{URL: "http://a/2.png", Width: 500, Height: 500},
			},
			lookup: DimensionLookup{
				"https://a/1.png": {Width: 90, Height: 90},
				"http://a/1.png":  {Width: 2000, Height: 2000},
			},
			want:   "https://a/1.png",
			wantOK: true,
		},
		{
			name: "own dimensions beat lookup",
			images: []Image{
				{URL: "http://a/1.png", Width: 1000, Height: 1000},
				{URL: "http://a/2.png", Width: 300, Height: 300},
			},
			lookup: DimensionLookup{"http://a/1.png": {Width: 80, Height: 80}},
			want:   "http://a/2.png",
			wantOK: true,
		},
		{
			name: "oversized page dimensions are unranked",
			images: []Image{
				{URL: "a", Width: 100, Height: 100},
				{URL: "b", Width: 3037000600, Height: 1},
			},
			want:   "a",
			wantOK: true,
		},
		{
			name:   "lookup entry missing one axis is unranked",
			images: []Image{{URL: "X"}, {URL: "Y"}},
			lookup: DimensionLookup{"X": {Width: 100, Height: 0}},
			want:   "Y",
			wantOK: true,
		},
		{
			name: "oversized lookup entry is ignored",
			images: []Image{
				{URL: "a", Width: 500, Height: 500},
				{URL: "b"},
			},
			lookup: DimensionLookup{"b": {Width: 80, Height: MaxDimension + 1}},
			want:   "a",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BestImageURL(target, tt.images, tt.lookup)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDimensionLookupResolve_NilMap(t *testing.T) {
	var l DimensionLookup
	if _, ok := l.Resolve(Image{URL: "http://a/1.png"}); ok {
		t.Error("expected no dimensions from nil lookup")
	}
	p, ok := l.Resolve(Image{URL: "http://a/1.png", Width: 10, Height: 20})
	if !ok || p != (Point{Width: 10, Height: 20}) {
		t.Errorf("Resolve = %v, %v", p, ok)
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		p     Point
		zero  bool
		valid bool
	}{
		{Point{}, true, false},
		{Point{Width: 100}, true, false},
		{Point{Height: 100}, true, false},
		{Point{Width: -1, Height: 5}, true, false},
		{Point{Width: 1, Height: 1}, false, true},
		{Point{Width: MaxDimension, Height: MaxDimension}, false, true},
		{Point{Width: MaxDimension + 1, Height: 10}, false, false},
	}
	for _, tt := range tests {
		if got := tt.p.IsZero(); got != tt.zero {
			t.Errorf("%+v.IsZero() = %v, want %v", tt.p, got, tt.zero)
		}
		if got := tt.p.Valid(); got != tt.valid {
			t.Errorf("%+v.Valid() = %v, want %v", tt.p, got, tt.valid)
		}
	}
}
