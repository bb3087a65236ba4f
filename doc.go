// Package mqttc implements an MQTT v3.1.1 / v5.0 client protocol engine.
//
// The package contains a complete client-side implementation of the MQTT
// wire protocol: packet encoding/decoding, the connection state machine,
// QoS 0/1/2 delivery tracking with retransmission, keepalive handling, and
// callback dispatch. It does not implement a broker.
//
// # Packet Codec
//
// Structs are provided for every MQTT control packet. Encoding and decoding
// are protocol-version aware: the same packet types serve both v3.1.1 and
// v5.0 connections.
//
//	pkt, n, err := mqttc.ReadPacket(conn, mqttc.MQTTv5, maxPacketSize)
//	n, err = mqttc.WritePacket(conn, pkt, mqttc.MQTTv5, maxPacketSize)
//
// For non-blocking transports, Decoder performs incremental decoding:
//
//	dec := mqttc.NewDecoder(mqttc.MQTTv5, maxPacketSize)
//	dec.Feed(buf[:n])
//	for {
//	    pkt, err := dec.Next()
//	    if errors.Is(err, mqttc.ErrIncompletePacket) {
//	        break // wait for more bytes
//	    }
//	    ...
//	}
//
// # Client
//
// A Client owns one connection and one network loop. Callbacks are
// delivered synchronously from the loop, in arrival order:
//
//	client := mqttc.NewClient(mqttc.WithClientID("sensor-1"),
//	    mqttc.WithCallbacks(handler),
//	)
//	if err := client.Connect("broker.example.com", 1883, 60); err != nil {
//	    log.Fatal(err)
//	}
//	go client.LoopStart()
//
//	mid, err := client.Publish("sensors/temp", []byte("21.5"), mqttc.QoS1, false)
//
// The loop can also be driven by the caller:
//
//	client.LoopForever() // returns after Disconnect
//
// Publish, Subscribe and Unsubscribe never block on network I/O: they
// validate, assign a message identifier, enqueue, and return. Completion is
// observed through the Callbacks interface.
//
// # Topic Utilities
//
// Topic matching and validation are exposed as pure functions, usable
// without a connection:
//
//	mqttc.TopicMatches("sensors/+/temp", "sensors/room1/temp") // true
//	err := mqttc.ValidatePublishTopic("sensors/temp")
//	err = mqttc.ValidateSubscribeFilter("sensors/#")
package mqttc
