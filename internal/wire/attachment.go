package wire

import (
	"fmt"
	"strings"
)

// AttachmentKind names a recognized attachment type.
type AttachmentKind string

const (
	KindPhoto   AttachmentKind = "photo"
	KindAudio   AttachmentKind = "audio"
	KindVideo   AttachmentKind = "video"
	KindDoc     AttachmentKind = "doc"
	KindSticker AttachmentKind = "sticker"
	KindLink    AttachmentKind = "link"
	KindGeo     AttachmentKind = "geo"
)

var knownKinds = map[AttachmentKind]bool{
	KindPhoto:   true,
	KindAudio:   true,
	KindVideo:   true,
	KindDoc:     true,
	KindSticker: true,
	KindLink:    true,
	KindGeo:     true,
}

// maxAttachments bounds the attachN scan so malformed side-channel maps
// cannot force unbounded work.
const maxAttachments = 10

// Attachment is a decoded message attachment.
type Attachment struct {
	Kind     AttachmentKind    `json:"kind"`
	ID       string            `json:"id"`
	URL      string            `json:"url,omitempty"`
	Title    string            `json:"title,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ParseAttachments scans the side-channel map for attach1..attach10 using
// the attachN_type/attachN key convention. The scan stops at the first
// missing index; unrecognized kinds are dropped.
func ParseAttachments(extra map[string]any) []Attachment {
	if extra == nil {
		return nil
	}
	var out []Attachment
	for i := 1; i <= maxAttachments; i++ {
		idKey := fmt.Sprintf("attach%d", i)
		typeKey := fmt.Sprintf("attach%d_type", i)

		idRaw, hasID := extra[idKey]
		typeRaw, hasType := extra[typeKey]
		if !hasID || !hasType {
			break
		}
		id, _ := asString(idRaw)
		kindStr, _ := asString(typeRaw)
		kind := AttachmentKind(kindStr)
		if id == "" || !knownKinds[kind] {
			continue
		}

		att := Attachment{Kind: kind, ID: id}
		prefix := idKey + "_"
		for k, v := range extra {
			if k == idKey || k == typeKey || !strings.HasPrefix(k, prefix) {
				continue
			}
			s, ok := asString(v)
			if !ok {
				continue
			}
			switch k[len(prefix):] {
			case "url":
				att.URL = s
			case "title":
				att.Title = s
			default:
				if att.Metadata == nil {
					att.Metadata = make(map[string]string)
				}
				att.Metadata[k[len(prefix):]] = s
			}
		}
		out = append(out, att)
	}
	return out
}
