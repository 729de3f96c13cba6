// Package resolver extracts a media URL and metadata from a fetched page.
//
// The scheduler only depends on the Resolver interface. Rehydration is the
// default implementation for pages that embed their state as JSON in a
// <script id="__UNIVERSAL_DATA_FOR_REHYDRATION__"> element.
package resolver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Metadata describes the media item behind a page.
type Metadata struct {
	Uploader    string
	VideoID     string
	Description string
}

// Resolver turns raw page content into a media URL.
// An empty media URL means nothing could be extracted; metadata may still be
// partially filled.
type Resolver interface {
	Resolve(page string, pageURL string) (mediaURL string, meta Metadata)
}

// Func adapts a plain function to Resolver.
type Func func(page string, pageURL string) (string, Metadata)

// Resolve calls f.
func (f Func) Resolve(page, pageURL string) (string, Metadata) {
	return f(page, pageURL)
}

const rehydrationSelector = "script#__UNIVERSAL_DATA_FOR_REHYDRATION__"

var (
	uploaderPattern = regexp.MustCompile(`/@([^/]+)/`)
	videoIDPattern  = regexp.MustCompile(`/video/(\d+)`)
)

// rehydrationDoc mirrors the part of the embedded state that is read.
type rehydrationDoc struct {
	DefaultScope struct {
		VideoDetail struct {
			ItemInfo struct {
				ItemStruct *itemStruct `json:"itemStruct"`
			} `json:"itemInfo"`
		} `json:"webapp.video-detail"`
	} `json:"__DEFAULT_SCOPE__"`
}

type itemStruct struct {
	Desc   string `json:"desc"`
	Author struct {
		UniqueID string `json:"uniqueId"`
	} `json:"author"`
	Video struct {
		DownloadAddr string `json:"downloadAddr"`
		PlayAddr     string `json:"playAddr"`
	} `json:"video"`
}

// Rehydration reads the embedded page state.
type Rehydration struct{}

// Resolve implements Resolver.
func (Rehydration) Resolve(page, pageURL string) (string, Metadata) {
	meta := MetadataFromURL(pageURL)

	item, err := parseItem(page)
	if err != nil || item == nil {
		return "", meta
	}

	if item.Author.UniqueID != "" {
		meta.Uploader = item.Author.UniqueID
	} else if meta.Uploader == "" {
		meta.Uploader = "unknown"
	}
	meta.Description = item.Desc

	for _, addr := range []string{item.Video.DownloadAddr, item.Video.PlayAddr} {
		if addr == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(addr); err == nil {
			return unescaped, meta
		}
		return addr, meta
	}
	return "", meta
}

// MetadataFromURL fills uploader and video id from the page URL path.
func MetadataFromURL(pageURL string) Metadata {
	var meta Metadata
	if m := uploaderPattern.FindStringSubmatch(pageURL); m != nil {
		meta.Uploader = m[1]
	}
	if m := videoIDPattern.FindStringSubmatch(pageURL); m != nil {
		meta.VideoID = m[1]
	}
	return meta
}

func parseItem(page string) (*itemStruct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	script := doc.Find(rehydrationSelector).First()
	if script.Length() == 0 {
		return nil, fmt.Errorf("rehydration script not found")
	}

	var state rehydrationDoc
	if err := json.Unmarshal([]byte(script.Text()), &state); err != nil {
		return nil, fmt.Errorf("decode rehydration state: %w", err)
	}
	return state.DefaultScope.VideoDetail.ItemInfo.ItemStruct, nil
}
