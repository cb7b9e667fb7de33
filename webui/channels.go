package webui

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vcp-gateway/plugin"
)

// wsBuffer is the number of updates a websocket client may lag behind
// before updates for it are dropped.
const wsBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type PluginView struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	Channels int    `json:"channels"`
}

type ChannelView struct {
	URL         string   `json:"url"`
	Plugin      string   `json:"plugin"`
	Address     string   `json:"address"`
	Type        string   `json:"type"`
	Value       any      `json:"value"`
	Text        string   `json:"text"`
	Triggerable bool     `json:"triggerable"`
	DataTypes   []string `json:"data_types"`
}

func viewOf(ch plugin.DataChannel) ChannelView {
	return ChannelView{
		URL:         ch.URL(),
		Plugin:      ch.Plugin(),
		Address:     ch.Address(),
		Type:        ch.ValueType().String(),
		Value:       ch.Any(),
		Text:        ch.Text(),
		Triggerable: ch.Triggerable(),
		DataTypes:   ch.DataTypes(),
	}
}

// getPlugins lists the registered plugins in registration order together
// with their recorded state.
func (s *Server) getPlugins(c *gin.Context) {
	recorded := map[string]PluginView{}
	if s.states != nil {
		states, err := s.states.PluginStates()
		if err != nil {
			respondError(c, err)
			return
		}
		for _, st := range states {
			recorded[st.Name] = PluginView{Status: st.Status, Error: st.Error}
		}
	}

	plugins := s.registry.Plugins()
	out := make([]PluginView, 0, len(plugins))
	for _, p := range plugins {
		v := recorded[p.Name()]
		v.Name = p.Name()
		v.Protocol = p.Protocol()
		v.State = p.State().String()
		v.Channels = len(p.Channels())
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

// getChannels lists the channels of one plugin, or of all plugins when no
// plugin is named. ?protocol= narrows the full list.
func (s *Server) getChannels(c *gin.Context) {
	var plugins []plugin.Plugin
	switch name := c.Param("plugin"); {
	case name != "":
		p, err := s.registry.Get(name)
		if err != nil {
			respondError(c, err)
			return
		}
		plugins = []plugin.Plugin{p}
	case c.Query("protocol") != "":
		plugins = s.registry.ByProtocol(c.Query("protocol"))
	default:
		plugins = s.registry.Plugins()
	}

	out := []ChannelView{}
	for _, p := range plugins {
		for _, ch := range p.Channels() {
			out = append(out, viewOf(ch))
		}
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) channel(c *gin.Context) (plugin.DataChannel, bool) {
	ch, err := s.registry.Resolve(c.Param("plugin") + ":" + c.Param("address"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ch, true
}

func (s *Server) getChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(ch))
}

func (s *Server) queryChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	v, err := ch.HandleQuery(c.Param("query"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": ch.URL(), "query": c.Param("query"), "result": v})
}

func (s *Server) assignChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}
	value, err := bindValue(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := ch.HandleAssignment(c.Param("query"), value); err != nil {
		respondError(c, err)
		return
	}
	logrus.Infof("API: %s %s = %v", ch.URL(), c.Param("query"), value)
	c.JSON(http.StatusOK, viewOf(ch))
}

// selectChannels resolves a comma separated list of channel URLs. An empty
// list selects every channel.
func (s *Server) selectChannels(list string) ([]plugin.DataChannel, error) {
	if strings.TrimSpace(list) == "" {
		var all []plugin.DataChannel
		for _, p := range s.registry.Plugins() {
			all = append(all, p.Channels()...)
		}
		return all, nil
	}
	var out []plugin.DataChannel
	for _, url := range strings.Split(list, ",") {
		ch, err := s.registry.Resolve(strings.TrimSpace(url))
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

type streamHello struct {
	Stream   string        `json:"stream"`
	Channels []ChannelView `json:"channels"`
}

// updateWebSocket streams channel updates. The first message carries the
// stream id and the current value of every selected channel, every further
// message is one plugin.Update.
//
//	ws://localhost:8080/api/ws?channels=hal:carousel.position,atc:position
func (s *Server) updateWebSocket(c *gin.Context) {
	chans, err := s.selectChannels(c.Query("channels"))
	if err != nil {
		respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("API: error upgrading to websocket: %v", err)
		return
	}
	defer gracefulShutdown(conn)

	stream := uuid.NewString()
	updates := make(chan plugin.Update, wsBuffer)
	done := make(chan struct{})
	var dropped atomic.Int64

	cancels := make([]func(), 0, len(chans))
	for _, ch := range chans {
		cancels = append(cancels, ch.Subscribe(func(u plugin.Update) {
			select {
			case updates <- u:
			case <-done:
			default:
				dropped.Add(1)
			}
		}))
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
		if n := dropped.Load(); n > 0 {
			logrus.Warnf("API: stream %s dropped %d updates", stream, n)
		}
		logrus.Infof("API: stream %s closed", stream)
	}()

	// watch for disconnects
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := streamHello{Stream: stream, Channels: make([]ChannelView, 0, len(chans))}
	for _, ch := range chans {
		hello.Channels = append(hello.Channels, viewOf(ch))
	}
	if err := conn.WriteJSON(hello); err != nil {
		logrus.Warnf("API: stream %s: %v", stream, err)
		return
	}
	logrus.Infof("API: stream %s opened with %d channels", stream, len(chans))

	for {
		select {
		case u := <-updates:
			if err := conn.WriteJSON(u); err != nil {
				logrus.Warnf("API: stream %s: %v", stream, err)
				return
			}
		case <-done:
			return
		}
	}
}
