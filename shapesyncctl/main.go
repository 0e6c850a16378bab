package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/aelatgt/shapesync/relay"
	"github.com/aelatgt/shapesync/replica"
)

const ShapesyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Shapesync control.

Usage:
    shapesyncctl relay --secret=<secret> [--port=<port>]
    shapesyncctl token --secret=<secret> --room=<room> --name=<name>
        [--expiration_hours=<expiration_hours>]
    shapesyncctl sim --url=<url> --token=<token> --object=<object>
        [--frames=<frames>]

Options:
    -h --help                              Show this screen.
    --version                              Show version.
    --secret=<secret>                      Relay shared secret.
    --port=<port>                          Relay listen port [default: 8090].
    --room=<room>                          Room id.
    --name=<name>                          Participant name.
    --expiration_hours=<expiration_hours>  Token expiration [default: 24].
    --url=<url>                            Relay websocket url, e.g. ws://localhost:8090/ws
    --token=<token>                        Room token from "shapesyncctl token".
    --object=<object>                      Authoring-time name of the local object.
    --frames=<frames>                      Frames to simulate [default: 300].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ShapesyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if sim_, _ := opts.Bool("sim"); sim_ {
		sim(opts)
	}
}

func runRelay(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	port, _ := opts.String("--port")

	r := relay.NewRelayWithDefaults([]byte(secret))
	if err := r.ListenAndServe(":" + port); err != nil {
		glog.Exitf("relay: %v", err)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	room, _ := opts.String("--room")
	name, _ := opts.String("--name")
	expirationHoursStr, _ := opts.String("--expiration_hours")
	expirationHours, err := strconv.Atoi(expirationHoursStr)
	if err != nil {
		Err.Fatalf("bad --expiration_hours: %s", err)
	}

	jwt, err := replica.GenerateRoomJwt(
		[]byte(secret),
		room,
		name,
		time.Duration(expirationHours)*time.Hour,
	)
	if err != nil {
		Err.Fatalf("token: %s", err)
	}
	Out.Println(jwt)
}

// joins the room as one participant and drives the shared object with
// periodic gestures, printing the converged snapshot every second
func sim(opts docopt.Opts) {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--token")
	objectName, _ := opts.String("--object")
	framesStr, _ := opts.String("--frames")
	frames, err := strconv.Atoi(framesStr)
	if err != nil {
		Err.Fatalf("bad --frames: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory := replica.NewRelayDirectoryWithDefaults(ctx, url, jwt)
	defer directory.Close()

	obj := &replica.SceneObject{
		Name: objectName,
	}
	visual := &printVisual{}
	sharedShape := replica.NewSharedShapeWithDefaults(ctx, directory, directory, obj, visual)
	defer sharedShape.Close()

	// ~30fps frame loop with a gesture every second
	frameTicker := time.NewTicker(33 * time.Millisecond)
	defer frameTicker.Stop()

	for i := 0; i < frames; i += 1 {
		now := <-frameTicker.C
		sharedShape.Frame(now)
		if i%30 == 15 {
			sharedShape.Activate()
		}
		if i%30 == 0 && 0 < i {
			sharedShape.Drag(10)
		}
		if i%30 == 29 {
			if store := sharedShape.Store(); store != nil {
				snapshot := store.Snapshot()
				Out.Printf(
					"shapeIndex=%d scale=%s rotation=%s",
					snapshot.ShapeIndex,
					snapshot.Scale,
					snapshot.Rotation,
				)
			} else {
				Out.Printf("(record not ready)")
			}
		}
	}
}

// stand-in for the rendering engine
type printVisual struct {
	kind  replica.ShapeKind
	scale replica.Vector3
}

func (self *printVisual) ApplyShape(kind replica.ShapeKind) {
	if kind != self.kind {
		self.kind = kind
		Out.Printf("shape -> %s", kind)
	}
}

func (self *printVisual) ApplyScale(scale replica.Vector3) {
	self.scale = scale
}

func (self *printVisual) ApplyRotation(rotation replica.Vector3) {
}

func (self *printVisual) ApplyElevation(offset float64) {
}
