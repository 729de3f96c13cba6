package resolver

import (
	"testing"
)

const pageURL = "https://www.example.com/@dancer/video/7301234567890"

func page(state string) string {
	return `<html><head><script id="__UNIVERSAL_DATA_FOR_REHYDRATION__" type="application/json">` +
		state + `</script></head><body></body></html>`
}

func TestMetadataFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want Metadata
	}{
		{pageURL, Metadata{Uploader: "dancer", VideoID: "7301234567890"}},
		{"https://www.example.com/video/123", Metadata{VideoID: "123"}},
		{"https://www.example.com/", Metadata{}},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := MetadataFromURL(tt.url); got != tt.want {
				t.Errorf("MetadataFromURL() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRehydration_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		page      string
		wantMedia string
		wantMeta  Metadata
	}{
		{
			name: "download address preferred",
			page: page(`{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"itemInfo":{"itemStruct":{
				"desc":"Morning routine",
				"author":{"uniqueId":"dancer_official"},
				"video":{"downloadAddr":"https%3A%2F%2Fcdn.example.com%2Fv%2F1.mp4","playAddr":"https://cdn.example.com/play/1.mp4"}
			}}}}}`),
			wantMedia: "https://cdn.example.com/v/1.mp4",
			wantMeta:  Metadata{Uploader: "dancer_official", VideoID: "7301234567890", Description: "Morning routine"},
		},
		{
			name: "play address fallback",
			page: page(`{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"itemInfo":{"itemStruct":{
				"desc":"",
				"author":{},
				"video":{"playAddr":"https://cdn.example.com/play/2.mp4"}
			}}}}}`),
			wantMedia: "https://cdn.example.com/play/2.mp4",
			wantMeta:  Metadata{Uploader: "dancer", VideoID: "7301234567890"},
		},
		{
			name:     "no script",
			page:     `<html><body>captcha</body></html>`,
			wantMeta: Metadata{Uploader: "dancer", VideoID: "7301234567890"},
		},
		{
			name:     "malformed json",
			page:     page(`{"__DEFAULT_SCOPE__":`),
			wantMeta: Metadata{Uploader: "dancer", VideoID: "7301234567890"},
		},
		{
			name: "no media addresses",
			page: page(`{"__DEFAULT_SCOPE__":{"webapp.video-detail":{"itemInfo":{"itemStruct":{
				"desc":"private","author":{"uniqueId":"dancer"},"video":{}
			}}}}}`),
			wantMeta: Metadata{Uploader: "dancer", VideoID: "7301234567890", Description: "private"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media, meta := Rehydration{}.Resolve(tt.page, pageURL)
			if media != tt.wantMedia {
				t.Errorf("media = %q, want %q", media, tt.wantMedia)
			}
			if meta != tt.wantMeta {
				t.Errorf("meta = %+v, want %+v", meta, tt.wantMeta)
			}
		})
	}
}

func TestFunc(t *testing.T) {
	var r Resolver = Func(func(page, u string) (string, Metadata) {
		return "https://media/" + page, Metadata{VideoID: u}
	})

	media, meta := r.Resolve("x", "y")
	if media != "https://media/x" || meta.VideoID != "y" {
		t.Errorf("Func.Resolve() = %q, %+v", media, meta)
	}
}
