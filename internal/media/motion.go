package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register decoders for stills served in other formats.
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp"
)

const jpegQuality = 95

var (
	jpegSOI = []byte{0xFF, 0xD8}
	app1    = []byte{0xFF, 0xE1}
	xmpNS   = []byte("http://ns.adobe.com/xap/1.0/\x00")
)

// ErrNotMotionPhoto is returned by MotionPhotoClip for files without an embedded clip.
var ErrNotMotionPhoto = errors.New("not a motion photo")

// motionXMP declares a trailing MP4 clip of %d bytes. It carries the Google camera keys
// read by most galleries and the vendor keys used by Oppo and Xiaomi galleries.
const motionXMP = `<x:xmpmeta xmlns:x="adobe:ns:meta/" x:xmptk="postdl">` +
	`<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` +
	`<rdf:Description rdf:about=""` +
	` xmlns:GCamera="http://ns.google.com/photos/1.0/camera/"` +
	` xmlns:OpCamera="http://ns.oplus.com/photos/1.0/camera/"` +
	` xmlns:MiCamera="http://ns.xiaomi.com/photos/1.0/camera/"` +
	` xmlns:Container="http://ns.google.com/photos/1.0/container/"` +
	` xmlns:Item="http://ns.google.com/photos/1.0/container/item/"` +
	` GCamera:MotionPhoto="1"` +
	` GCamera:MotionPhotoVersion="1"` +
	` GCamera:MotionPhotoPresentationTimestampUs="0"` +
	` GCamera:MicroVideo="1"` +
	` GCamera:MicroVideoVersion="1"` +
	` GCamera:MicroVideoOffset="%[1]d"` +
	` GCamera:MicroVideoPresentationTimestampUs="0"` +
	` OpCamera:MotionPhotoPrimaryPresentationTimestampUs="0"` +
	` OpCamera:MotionPhotoOwner="xhs"` +
	` OpCamera:OLivePhotoVersion="2"` +
	` OpCamera:VideoLength="%[1]d"` +
	` MiCamera:XMPMeta="&lt;?xml version='1.0' encoding='UTF-8' standalone='yes' ?&gt;">` +
	`<Container:Directory><rdf:Seq>` +
	`<rdf:li rdf:parseType="Resource"><Container:Item Item:Mime="image/jpeg" Item:Semantic="Primary" Item:Length="0" Item:Padding="0"/></rdf:li>` +
	`<rdf:li rdf:parseType="Resource"><Container:Item Item:Mime="video/mp4" Item:Semantic="MotionPhoto" Item:Length="%[1]d"/></rdf:li>` +
	`</rdf:Seq></Container:Directory>` +
	`</rdf:Description></rdf:RDF></x:xmpmeta>`

// WriteMotionPhoto writes a motion photo to dest: the still, re-encoded as JPEG when it is
// not one already, with an XMP segment after the SOI marker, followed by the clip. dest is
// replaced atomically.
func WriteMotionPhoto(stillPath, clipPath, dest string) error {
	still, err := os.ReadFile(stillPath)
	if err != nil {
		return fmt.Errorf("failed to read still: %w", err)
	}

	still, err = asJPEG(still)
	if err != nil {
		return err
	}

	clip, err := os.Open(clipPath)
	if err != nil {
		return fmt.Errorf("failed to open clip: %w", err)
	}
	defer clip.Close()

	info, err := clip.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat clip: %w", err)
	}

	if info.Size() == 0 {
		return errors.New("clip is empty")
	}

	segment, err := xmpSegment(fmt.Sprintf(motionXMP, info.Size()))
	if err != nil {
		return err
	}

	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create motion photo: %w", err)
	}

	part := out.Name()

	err = writeAll(out, jpegSOI, segment, still[len(jpegSOI):])
	if err == nil {
		_, err = io.Copy(out, clip)
	}

	if err == nil {
		err = out.Sync()
	}

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(part, dest)
	}

	if err != nil {
		_ = os.Remove(part)

		return fmt.Errorf("failed to write motion photo: %w", err)
	}

	return nil
}

// MotionPhotoClip returns the offset and length of the clip embedded in a motion photo.
func MotionPhotoClip(path string) (offset, length int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}

	head := make([]byte, 4+2+len(xmpNS))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head[:2], jpegSOI) || !bytes.Equal(head[2:4], app1) {
		return 0, 0, ErrNotMotionPhoto
	}

	if !bytes.Equal(head[6:], xmpNS) {
		return 0, 0, ErrNotMotionPhoto
	}

	size := int(binary.BigEndian.Uint16(head[4:6])) - 2 - len(xmpNS)
	if size <= 0 {
		return 0, 0, ErrNotMotionPhoto
	}

	xmp := make([]byte, size)
	if _, err := io.ReadFull(f, xmp); err != nil {
		return 0, 0, ErrNotMotionPhoto
	}

	var n int64

	i := bytes.Index(xmp, []byte(`GCamera:MicroVideoOffset="`))
	if i < 0 {
		return 0, 0, ErrNotMotionPhoto
	}

	if _, err := fmt.Sscanf(string(xmp[i+len(`GCamera:MicroVideoOffset="`):]), "%d", &n); err != nil || n <= 0 || n > info.Size() {
		return 0, 0, ErrNotMotionPhoto
	}

	return info.Size() - n, n, nil
}

func asJPEG(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, jpegSOI) {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode still: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode still: %w", err)
	}

	return buf.Bytes(), nil
}

// xmpSegment wraps an XMP packet in a JPEG APP1 segment.
func xmpSegment(xmp string) ([]byte, error) {
	length := 2 + len(xmpNS) + len(xmp)
	if length > 0xFFFF {
		return nil, fmt.Errorf("xmp packet too large: %d bytes", len(xmp))
	}

	seg := make([]byte, 0, 2+length)
	seg = append(seg, app1...)
	seg = binary.BigEndian.AppendUint16(seg, uint16(length))
	seg = append(seg, xmpNS...)
	seg = append(seg, xmp...)

	return seg, nil
}

func writeAll(w io.Writer, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}

	return nil
}
